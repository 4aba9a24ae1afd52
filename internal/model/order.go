package model

import (
	"time"
)

const (
	OrderStatusCreated   = "CREATED"
	OrderStatusPaying    = "PAYING"
	OrderStatusPaid      = "PAID"
	OrderStatusFailed    = "FAILED"
	OrderStatusClosed    = "CLOSED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRefunding = "REFUNDING"
	OrderStatusRefunded  = "REFUNDED"
)

var ValidStatusTransitions = map[string][]string{
	OrderStatusCreated:   {OrderStatusPaying, OrderStatusClosed, OrderStatusCancelled},
	OrderStatusPaying:    {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:      {OrderStatusRefunding},
	OrderStatusRefunding: {OrderStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// 商品类型：店内可用余额购买的各类虚拟/实物商品
const (
	ProductTypeSMSNumber = "SMS_NUMBER" // 接码号码
	ProductTypeESIM      = "ESIM"       // eSIM 套餐
	ProductTypeVPN       = "VPN"        // VPN/代理
	ProductTypeRDP       = "RDP"        // 远程桌面
	ProductTypeGiftCard  = "GIFT_CARD"  // 礼品卡
	ProductTypeGift      = "GIFT"       // 实物礼品
)

// PurchaseOrder 购买订单表
// 订单是余额扣款的上游调用方：扣款通过 BalanceManager 执行，订单本身不直接改余额
type PurchaseOrder struct {
	ID          int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo     string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	RequestID   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID，客户端生成
	UserID      string     `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount      float64    `gorm:"type:decimal(15,2);not null" json:"amount"`
	ProductType string     `gorm:"type:varchar(32);not null" json:"product_type"`
	ProductID   string     `gorm:"type:varchar(64);not null" json:"product_id"`
	Status      string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ExpiredAt   time.Time  `gorm:"not null" json:"expired_at"`
	PaidAt      *time.Time `json:"paid_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PurchaseOrder) TableName() string {
	return "purchase_order"
}
