package audit

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"shopwallet/internal/config"
	"shopwallet/internal/ledger"
	"shopwallet/internal/model"
	"shopwallet/internal/repository"

	"gorm.io/gorm"
)

// ============================================================================
// 对账巡检任务
// ============================================================================
//
// 周期性遍历全部用户，调用 VerifyIntegrity 比对缓存余额和流水重放值。
// 纯消费方：只读对账结果、记日志、发事件，自己不持有业务状态。
//
// 【红线】发现差异时绝不自动修正 —— 不存在从 DiscrepancyDetected
// 到任何自动修复状态的转移。FixDiscrepancy 已永久停用，唯一的修复
// 通道是人工核对流水后的带外管理操作。

// State 单轮巡检的状态机：Idle -> Checking -> {Valid, DiscrepancyDetected} -> Idle
type State string

const (
	StateIdle                State = "IDLE"
	StateChecking            State = "CHECKING"
	StateValid               State = "VALID"
	StateDiscrepancyDetected State = "DISCREPANCY_DETECTED"
)

type Reporter struct {
	manager     *ledger.BalanceManager
	profileRepo *repository.ProfileRepository
	outboxRepo  *repository.OutboxRepository
	eventTopic  string
	interval    time.Duration
	batchSize   int
	stopCh      chan struct{}

	mu          sync.RWMutex
	state       State
	lastOutcome State // 最近一轮的结果：Valid 或 DiscrepancyDetected
	lastCycleAt time.Time
	findings    map[string]*ledger.IntegrityReport // 最近一轮发现的差异，按用户
}

func NewReporter(db *gorm.DB, manager *ledger.BalanceManager, cfg *config.Config) *Reporter {
	interval := time.Duration(cfg.Business.AuditIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	batchSize := cfg.Business.AuditBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reporter{
		manager:     manager,
		profileRepo: repository.NewProfileRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		eventTopic:  cfg.Kafka.Topic.BalanceEvents,
		interval:    interval,
		batchSize:   batchSize,
		stopCh:      make(chan struct{}),
		state:       StateIdle,
		findings:    make(map[string]*ledger.IntegrityReport),
	}
}

func (r *Reporter) Start(ctx context.Context) {
	log.Println("[AuditReporter] 对账巡检任务启动")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AuditReporter] 收到停止信号，任务退出")
			return
		case <-r.stopCh:
			log.Println("[AuditReporter] 任务停止")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

func (r *Reporter) Stop() {
	close(r.stopCh)
}

// RunCycle 执行一轮全量巡检
func (r *Reporter) RunCycle(ctx context.Context) {
	r.setState(StateChecking)

	findings := make(map[string]*ledger.IntegrityReport)
	checked := 0
	var afterID int64

	for {
		profiles, err := r.profileRepo.List(ctx, afterID, r.batchSize)
		if err != nil {
			log.Printf("[AuditReporter] 查询用户列表失败: %v", err)
			break
		}
		if len(profiles) == 0 {
			break
		}

		for _, profile := range profiles {
			report, err := r.manager.VerifyIntegrity(ctx, profile.UserID)
			if err != nil {
				log.Printf("[AuditReporter] 对账失败: userID=%s, err=%v", profile.UserID, err)
				continue
			}
			checked++
			if !report.IsValid {
				findings[profile.UserID] = report
				r.reportDiscrepancy(ctx, report)
			}
		}

		afterID = profiles[len(profiles)-1].ID
	}

	r.mu.Lock()
	r.findings = findings
	r.lastCycleAt = time.Now()
	r.mu.Unlock()

	if len(findings) > 0 {
		r.setState(StateDiscrepancyDetected)
		log.Printf("[AuditReporter] 巡检完成: 检查 %d 个用户, 发现 %d 处差异", checked, len(findings))
	} else {
		r.setState(StateValid)
		log.Printf("[AuditReporter] 巡检完成: 检查 %d 个用户, 账实相符", checked)
	}

	r.mu.Lock()
	r.lastOutcome = r.state
	r.mu.Unlock()

	r.setState(StateIdle)
}

// reportDiscrepancy 差异只上报：日志 + 事件，留给人工处理
func (r *Reporter) reportDiscrepancy(ctx context.Context, report *ledger.IntegrityReport) {
	log.Printf("[AuditReporter] 发现余额差异: userID=%s, cached=%.2f, calculated=%.2f, discrepancy=%.2f, txCount=%d",
		report.UserID, report.CachedBalance, report.CalculatedBalance, report.Discrepancy, report.TransactionCount)

	payload, _ := json.Marshal(map[string]interface{}{
		"event":              model.EventBalanceDiscrepancy,
		"user_id":            report.UserID,
		"cached_balance":     report.CachedBalance,
		"calculated_balance": report.CalculatedBalance,
		"discrepancy":        report.Discrepancy,
		"transaction_count":  report.TransactionCount,
		"detected_at":        time.Now().Format(time.RFC3339),
	})

	msg := &model.OutboxMessage{
		MessageKey: report.UserID,
		Topic:      r.eventTopic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := r.outboxRepo.Create(ctx, nil, msg); err != nil {
		log.Printf("[AuditReporter] 差异事件落库失败: userID=%s, err=%v", report.UserID, err)
	}
}

func (r *Reporter) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reporter) CurrentState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// LastOutcome 最近一轮巡检的结论（Valid 或 DiscrepancyDetected）
func (r *Reporter) LastOutcome() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastOutcome
}

// Findings 最近一轮巡检发现的差异
func (r *Reporter) Findings() []*ledger.IntegrityReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reports := make([]*ledger.IntegrityReport, 0, len(r.findings))
	for _, report := range r.findings {
		reports = append(reports, report)
	}
	return reports
}

func (r *Reporter) LastCycleAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastCycleAt
}
