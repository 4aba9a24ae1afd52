package model

import (
	"time"
)

// UserProfile 用户资料表
// balance 字段是用户当前可用余额的缓存值，只允许 ledger.BalanceManager 写入
// 其余用户字段（昵称、邮箱等）由账号子系统维护，不在本服务范围内
type UserProfile struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"` // 用户ID，业务方传入的不透明标识
	Balance   float64   `gorm:"type:decimal(15,2);not null;default:0" json:"balance"` // 当前可用余额，恒 >= 0
	Version   int       `gorm:"not null;default:0" json:"version"`                    // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (UserProfile) TableName() string {
	return "user_profile"
}
