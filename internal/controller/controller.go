// ============================================================================
// Escrow Ledger 控制器 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 系統核心控制器，協調所有模組，實現單一寫入者的帳本操作與崩潰恢復
//
// 架構設計:
//   這是整個系統的"大腦"，負責協調以下組件：
//   - JobManager: 工作狀態機（Plan / Commit / Undo）
//   - Engine + MemoryBank: 帳戶餘額與託管帳戶之間的轉帳
//   - Emitter: 事件編號與推送
//   - WAL: Write-Ahead Log，持久化所有命令，確保數據不丟失
//   - Snapshot: 快照管理，定期保存系統狀態，加速恢復
//   - Collector: Prometheus 指標（可選）
//
// 寫入流程（全部在 c.mu 臨界區內）:
//   1. Plan   - 驗證調用者、狀態與金額，不修改任何資料
//   2. WAL    - 追加命令並強制落盤（Write-Ahead）
//   3. Commit - 先安裝狀態變更
//   4. 轉帳   - 失敗時 Rollback 轉帳、Undo 狀態，並在 WAL 追加 ABORT
//   5. Emit   - 發出事件
//   6. 指標   - 記錄延遲與結果
//
// 崩潰恢復流程:
//   Start() 時自動執行：
//   1. 載入快照（工作、餘額、事件序號與保留的事件、WAL 序號）
//   2. 收集 WAL 中的 ABORT 紀錄
//   3. 以紀錄的時間重新執行快照之後的命令
//   重放時的帳本錯誤代表命令第一次就失敗了，直接跳過
//
// 並發安全:
//   - 所有讀寫都經過 c.mu，讀取永遠看不到執行到一半的操作
//   - ctx 只在進入臨界區之前檢查；進入後操作不可取消
//   - stopCh 用於優雅關閉快照循環
//
// ============================================================================

package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/escrow"
	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/internal/snapshot"
	"github.com/ChuLiYu/escrow-ledger/internal/storage/wal"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var log = slog.Default()

// ErrStopped Controller 已關閉
var ErrStopped = errors.New("controller stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WALPath          string        // WAL 檔案路徑
	SnapshotPath     string        // 快照檔案路徑
	SnapshotInterval time.Duration // 快照間隔，0 代表只在 Stop 時快照
	SnapshotBackups  int           // 保留的舊快照數量，0 代表不保留
	WALSyncOnAppend  bool          // 每次追加都 fsync（寫入命令本來就強制落盤）
	WALBufferSize    int           // WAL 批次緩衝大小
	CompressRotated  bool          // 旋轉後的 WAL 是否 gzip 壓縮
	EventRetention   int           // 事件環形日誌容量

	Metrics *metrics.Collector // 可為 nil
	Clock   func() time.Time   // 可為 nil，預設 time.Now
}

// Receipt 一次寫入操作的結果
type Receipt struct {
	Job       types.Job         `json:"job"`
	Event     events.Event      `json:"event"`
	Excess    money.Amount      `json:"excess_refunded"`
	Transfers []escrow.Transfer `json:"transfers"`
}

// Status 系統狀態
type Status struct {
	Uptime       string           `json:"uptime"`
	Jobs         jobmanager.Stats `json:"jobs"`
	Held         money.Amount     `json:"held"`
	LastWALSeq   uint64           `json:"last_wal_seq"`
	LastEventSeq uint64           `json:"last_event_seq"`
	Subscribers  int              `json:"subscribers"`
	Recovery     RecoveryStats    `json:"recovery"`
}

// RecoveryStats 最近一次恢復的統計
type RecoveryStats struct {
	Duration string `json:"duration"`
	Replayed int    `json:"replayed"`
	Skipped  int    `json:"skipped"`
	Aborted  int    `json:"aborted"`
}

// Controller 核心控制器
type Controller struct {
	mu        sync.Mutex             // 單一寫入者臨界區
	jobs      *jobmanager.JobManager // 工作狀態機
	bank      *escrow.MemoryBank     // 帳戶餘額
	engine    *escrow.Engine         // 轉帳引擎
	emitter   *events.Emitter        // 事件發送器
	wal       *wal.WAL               // Write-Ahead Log
	snapshots *snapshot.Manager      // 快照管理
	metrics   *metrics.Collector     // 可為 nil
	config    Config                 // 配置
	now       func() time.Time       // 時鐘

	started   bool
	stopped   bool
	stopCh    chan struct{}  // 停止訊號
	loopWg    sync.WaitGroup // 等待快照循環退出
	startTime time.Time      // 啟動時間（用於統計）
	recovery  RecoveryStats
	replaying bool // 重放中不記錄操作指標
}

// ============================================================================
// 生命週期
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//
// 返回值：
//   - *Controller: Controller 實例，呼叫 Start 之後才能使用
//   - error: 開啟 WAL 失敗的錯誤
func NewController(config Config) (*Controller, error) {
	walInstance, err := wal.NewWAL(config.WALPath, config.WALSyncOnAppend)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open WAL")
	}
	if config.WALBufferSize > 0 {
		walInstance.SetFlushPolicy(config.WALBufferSize, 0)
	}
	walInstance.SetCompressRotated(config.CompressRotated)

	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	bank := escrow.NewMemoryBank()
	return &Controller{
		jobs:      jobmanager.NewJobManager(),
		bank:      bank,
		engine:    escrow.NewEngine(bank),
		emitter:   events.NewEmitter(config.EventRetention),
		wal:       walInstance,
		snapshots: snapshot.NewManager(config.SnapshotPath),
		metrics:   config.Metrics,
		config:    config,
		now:       clock,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：載入快照 -> 重放 WAL
//  2. 啟動快照循環
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	log.Info("Starting recovery...")
	if err := c.recoverState(); err != nil {
		// 恢復失敗的狀態不能被 Stop 寫成快照
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return errors.Wrap(err, "recovery failed")
	}

	if c.config.SnapshotInterval > 0 {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	log.Info("Controller started",
		"jobs", c.jobs.NextJobID(),
		"wal_seq", c.wal.GetLastSeq(),
		"snapshot_interval", c.config.SnapshotInterval)
	return nil
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 通知快照循環停止
//  2. loopWg.Wait() → 等待循環退出
//  3. 最後一次快照（持久化最終狀態）
//  4. 關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")
	close(c.stopCh)
	c.loopWg.Wait()

	if started {
		if err := c.TakeSnapshot(); err != nil {
			log.Error("Failed to take final snapshot", "error", err.Error())
		}
	}
	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err.Error())
	}
	log.Info("Controller stopped")
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.TakeSnapshot(); err != nil {
				log.Error("Failed to take snapshot", "error", err.Error())
			}
		}
	}
}

// TakeSnapshot 寫入快照並旋轉 WAL
//
// 整個過程持有 c.mu：快照與旋轉之間不能有新的命令寫入舊 WAL
func (c *Controller) TakeSnapshot() error {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	retained, err := json.Marshal(c.emitter.Since(0))
	if err != nil {
		return errors.Wrap(err, "failed to encode retained events")
	}
	data := types.SnapshotData{
		Jobs:     c.jobs.Snapshot(),
		Balances: c.bank.Snapshot(),
		EventSeq: c.emitter.LastSeq(),
		Events:   retained,
		LastSeq:  c.wal.GetLastSeq(),
	}

	if c.config.SnapshotBackups > 0 {
		err = c.snapshots.WriteWithBackup(data, c.config.SnapshotBackups)
	} else {
		err = c.snapshots.Write(data)
	}
	if err != nil {
		return errors.Wrap(err, "failed to write snapshot")
	}

	rotated, err := c.wal.Rotate()
	if err != nil {
		return errors.Wrap(err, "failed to rotate WAL")
	}

	elapsed := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordSnapshot(elapsed.Seconds())
	}
	log.Info("Snapshot taken",
		"duration", elapsed,
		"jobs", len(data.Jobs),
		"last_seq", data.LastSeq,
		"rotated_wal", rotated)
	return nil
}

// ============================================================================
// 寫入操作
// ============================================================================

// CreateGig 客戶建立工作並鎖定 amount + 5% 保證金；超額的 value 立即退回
func (c *Controller) CreateGig(ctx context.Context, caller types.Account, metadataRef string, amount money.Amount, deadlineDays int, value money.Amount) (Receipt, error) {
	cmd := createGigCmd{Caller: caller, MetadataRef: metadataRef, Amount: amount, DeadlineDays: deadlineDays, Value: value}
	return c.write(ctx, jobmanager.OpCreateGig, func(now time.Time) (Receipt, error) {
		return c.createGig(cmd, now, true, 0)
	})
}

// AcceptJob 開發者接案
func (c *Controller) AcceptJob(ctx context.Context, id types.JobID, caller types.Account) (Receipt, error) {
	return c.write(ctx, jobmanager.OpAcceptJob, func(now time.Time) (Receipt, error) {
		return c.acceptJob(id, callerCmd{Caller: caller}, now, true)
	})
}

// SubmitWork 開發者提交成果
func (c *Controller) SubmitWork(ctx context.Context, id types.JobID, caller types.Account, submissionRef string) (Receipt, error) {
	return c.write(ctx, jobmanager.OpSubmitWork, func(now time.Time) (Receipt, error) {
		return c.submitWork(id, submitCmd{Caller: caller, SubmissionRef: submissionRef}, now, true)
	})
}

// ReleaseFullPayment 客戶核准，amount + hold 全數撥給開發者
func (c *Controller) ReleaseFullPayment(ctx context.Context, id types.JobID, caller types.Account) (Receipt, error) {
	return c.write(ctx, jobmanager.OpReleaseFull, func(now time.Time) (Receipt, error) {
		return c.releaseFull(id, callerCmd{Caller: caller}, now, true)
	})
}

// ReleasePartialPayment 客戶拒絕成果，撥出 payout，其餘退還
func (c *Controller) ReleasePartialPayment(ctx context.Context, id types.JobID, caller types.Account, payout money.Amount) (Receipt, error) {
	return c.write(ctx, jobmanager.OpReleasePartial, func(now time.Time) (Receipt, error) {
		return c.releasePartial(id, releasePartialCmd{Caller: caller, Payout: payout}, now, true)
	})
}

// CancelJob 客戶在接案前撤回工作，退還全部鎖定金額
func (c *Controller) CancelJob(ctx context.Context, id types.JobID, caller types.Account) (Receipt, error) {
	return c.write(ctx, jobmanager.OpCancelJob, func(now time.Time) (Receipt, error) {
		return c.cancelJob(id, callerCmd{Caller: caller}, now, true)
	})
}

// Deposit 為帳戶入金（鏈下資金來源），回傳入金後的餘額
//
// 錯誤處理：
//   - ErrUnauthorized: 帳戶為空或為託管帳戶
//   - ErrInvalidAmount: 金額為 0
//   - ErrArithmeticOverflow: 餘額溢位
func (c *Controller) Deposit(ctx context.Context, account types.Account, amount money.Amount) (money.Amount, error) {
	var balance money.Amount
	_, err := c.write(ctx, "deposit", func(now time.Time) (Receipt, error) {
		var err error
		balance, err = c.deposit(depositCmd{Account: account, Amount: amount}, now, true)
		return Receipt{}, err
	})
	return balance, err
}

// write 進入臨界區並記錄指標
func (c *Controller) write(ctx context.Context, op jobmanager.Op, fn func(now time.Time) (Receipt, error)) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	start := time.Now()
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return Receipt{}, ErrStopped
	}
	receipt, err := fn(c.now())
	if err == nil {
		c.refreshGauges()
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordOperation(string(op), time.Since(start).Seconds(), jobmanager.Kind(err))
	}
	if err != nil {
		log.Debug("operation rejected", "op", op, "kind", jobmanager.Kind(err), "error", err.Error())
	}
	return receipt, err
}

// ----------------------------------------------------------------------------
// 各操作的執行邏輯（即時與重放共用）
// 假設調用者已持有 c.mu；journal=false 代表重放
// ----------------------------------------------------------------------------

func (c *Controller) createGig(cmd createGigCmd, now time.Time, journal bool, wantID types.JobID) (Receipt, error) {
	plan, err := c.jobs.PlanCreateGig(cmd.Caller, cmd.MetadataRef, cmd.Amount, cmd.DeadlineDays, cmd.Value, now)
	if err != nil {
		return Receipt{}, err
	}
	if !journal && plan.Job.ID != wantID {
		return Receipt{}, errors.Newf("replay diverged: CREATE_GIG assigned job %s, journal has %s", plan.Job.ID, wantID)
	}
	// 餘額不足在寫入 WAL 之前就拒絕
	if balance := c.bank.Balance(cmd.Caller); balance.Lt(cmd.Value) {
		return Receipt{}, errors.Wrapf(escrow.ErrBalanceTooLow, "%s has %s, supplied %s", cmd.Caller, balance, cmd.Value)
	}
	return c.execute(plan, wal.EventCreateGig, cmd, now, journal)
}

func (c *Controller) acceptJob(id types.JobID, cmd callerCmd, now time.Time, journal bool) (Receipt, error) {
	plan, err := c.jobs.PlanAcceptJob(id, cmd.Caller, now)
	if err != nil {
		return Receipt{}, err
	}
	return c.execute(plan, wal.EventAccept, cmd, now, journal)
}

func (c *Controller) submitWork(id types.JobID, cmd submitCmd, now time.Time, journal bool) (Receipt, error) {
	plan, err := c.jobs.PlanSubmitWork(id, cmd.Caller, cmd.SubmissionRef, now)
	if err != nil {
		return Receipt{}, err
	}
	return c.execute(plan, wal.EventSubmit, cmd, now, journal)
}

func (c *Controller) releaseFull(id types.JobID, cmd callerCmd, now time.Time, journal bool) (Receipt, error) {
	plan, err := c.jobs.PlanReleaseFullPayment(id, cmd.Caller, now)
	if err != nil {
		return Receipt{}, err
	}
	return c.execute(plan, wal.EventReleaseFull, cmd, now, journal)
}

func (c *Controller) releasePartial(id types.JobID, cmd releasePartialCmd, now time.Time, journal bool) (Receipt, error) {
	plan, err := c.jobs.PlanReleasePartialPayment(id, cmd.Caller, cmd.Payout, now)
	if err != nil {
		return Receipt{}, err
	}
	return c.execute(plan, wal.EventReleasePartial, cmd, now, journal)
}

func (c *Controller) cancelJob(id types.JobID, cmd callerCmd, now time.Time, journal bool) (Receipt, error) {
	plan, err := c.jobs.PlanCancelJob(id, cmd.Caller, now)
	if err != nil {
		return Receipt{}, err
	}
	return c.execute(plan, wal.EventCancel, cmd, now, journal)
}

func (c *Controller) deposit(cmd depositCmd, now time.Time, journal bool) (money.Amount, error) {
	if !cmd.Account.IsSet() || cmd.Account == types.VaultAccount {
		return money.Amount{}, errors.Wrapf(jobmanager.ErrUnauthorized, "cannot deposit to %q", cmd.Account)
	}
	if cmd.Amount.IsZero() {
		return money.Amount{}, jobmanager.ErrInvalidAmount
	}
	if _, err := c.bank.Balance(cmd.Account).Add(cmd.Amount); err != nil {
		return money.Amount{}, err
	}

	seq, err := c.journal(journal, wal.EventDeposit, 0, cmd, now)
	if err != nil {
		return money.Amount{}, err
	}
	if err := c.bank.Deposit(cmd.Account, cmd.Amount); err != nil {
		c.abort(seq, err)
		return money.Amount{}, err
	}
	return c.bank.Balance(cmd.Account), nil
}

// execute WAL → Commit → 轉帳 → Emit
func (c *Controller) execute(plan *jobmanager.Plan, eventType wal.EventType, cmd any, now time.Time, journal bool) (Receipt, error) {
	seq, err := c.journal(journal, eventType, plan.Job.ID, cmd, now)
	if err != nil {
		return Receipt{}, err
	}

	undo, err := c.jobs.Commit(plan)
	if err != nil {
		c.abort(seq, err)
		return Receipt{}, err
	}

	tx := c.engine.Begin()
	excess, err := c.transfer(tx, plan)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error("escrow rollback failed, balances may be inconsistent",
				"job_id", plan.Job.ID, "op", plan.Op, "error", rbErr.Error())
		}
		undo()
		c.abort(seq, err)
		return Receipt{}, err
	}
	transfers := tx.Commit()

	ev := c.emitter.Emit(eventFor(plan))
	if c.metrics != nil && !c.replaying {
		c.metrics.RecordEvent(string(ev.Type))
		c.metrics.RecordPayout(plan.Payout.Float64())
		refunded := plan.Refund.Float64() + excess.Float64()
		c.metrics.RecordRefund(refunded)
	}

	log.Debug("operation committed", "op", plan.Op, "job_id", plan.Job.ID, "status", plan.Job.Status, "event_seq", ev.Seq)
	return Receipt{Job: plan.Job, Event: ev, Excess: excess, Transfers: transfers}, nil
}

// journal 寫入 WAL 並強制落盤；重放時不寫入，回傳 0
func (c *Controller) journal(enabled bool, eventType wal.EventType, id types.JobID, cmd any, now time.Time) (uint64, error) {
	if !enabled {
		return 0, nil
	}
	rec, err := c.wal.Append(eventType, id, cmd, now, true)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to append %s event", eventType)
	}
	return rec.Seq, nil
}

// abort 記錄已寫入 WAL 但被回復的命令
func (c *Controller) abort(seq uint64, cause error) {
	if seq == 0 {
		return
	}
	if _, err := c.wal.Append(EventAbort, 0, abortCmd{Seq: seq, Reason: jobmanager.Kind(cause)}, c.now(), true); err != nil {
		log.Error("Failed to append ABORT event", "seq", seq, "error", err.Error())
	}
}

// transfer 依 Plan 執行資金移動，回傳建立工作時退回的超額
func (c *Controller) transfer(tx *escrow.Tx, plan *jobmanager.Plan) (money.Amount, error) {
	job := plan.Job
	switch plan.Op {
	case jobmanager.OpCreateGig:
		return tx.Lock(job.Client, plan.Supplied, plan.Required)
	case jobmanager.OpReleaseFull:
		return money.Zero(), tx.Payout(job.Developer, plan.Payout)
	case jobmanager.OpReleasePartial:
		if err := tx.Payout(job.Developer, plan.Payout); err != nil {
			return money.Zero(), err
		}
		return money.Zero(), tx.Refund(job.Client, plan.Refund)
	case jobmanager.OpCancelJob:
		return money.Zero(), tx.Refund(job.Client, plan.Refund)
	}
	return money.Zero(), nil
}

func eventFor(plan *jobmanager.Plan) events.Event {
	switch plan.Op {
	case jobmanager.OpCreateGig:
		return events.JobCreated(plan.Job)
	case jobmanager.OpAcceptJob:
		return events.JobAccepted(plan.Job)
	case jobmanager.OpSubmitWork:
		return events.WorkSubmitted(plan.Job)
	case jobmanager.OpReleaseFull:
		return events.FullPaymentReleased(plan.Job, plan.Payout)
	case jobmanager.OpReleasePartial:
		return events.PartialPaymentReleased(plan.Job, plan.Payout, plan.Refund)
	default:
		return events.JobCancelled(plan.Job, plan.Refund)
	}
}

// refreshGauges 假設調用者已持有 c.mu
func (c *Controller) refreshGauges() {
	if c.metrics == nil || c.replaying {
		return
	}
	s := c.jobs.Stats()
	c.metrics.UpdateJobStats(s.Open, s.InProgress, s.Submitted, s.Completed, s.Cancelled)
	c.metrics.SetValueHeld(c.engine.Held().Float64())
}

// ============================================================================
// 讀取操作
// ============================================================================

// GetJob 取得工作紀錄
func (c *Controller) GetJob(id types.JobID) (types.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs.GetJob(id)
}

// GetJobMetadata 取得工作描述參照
func (c *Controller) GetJobMetadata(id types.JobID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs.GetJobMetadata(id)
}

// IsDeadlinePassed 目前時間是否嚴格晚於期限
func (c *Controller) IsDeadlinePassed(id types.JobID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs.IsDeadlinePassed(id, c.now())
}

// NextJobID 下一筆工作的 ID
func (c *Controller) NextJobID() types.JobID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs.NextJobID()
}

// ListJobs 依條件列出工作
func (c *Controller) ListJobs(f jobmanager.Filter) []types.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs.List(f)
}

// Stats 各狀態工作數量
func (c *Controller) Stats() jobmanager.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs.Stats()
}

// Balance 帳戶餘額
func (c *Controller) Balance(account types.Account) money.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bank.Balance(account)
}

// Held 託管帳戶餘額
func (c *Controller) Held() money.Amount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Held()
}

// Quote 建立工作前的金額預覽
func (c *Controller) Quote(amount money.Amount) (money.Quote, error) {
	return money.NewQuote(amount)
}

// Events 回傳序號大於 since 且仍保留的事件
func (c *Controller) Events(since uint64) []events.Event {
	return c.emitter.Since(since)
}

// Subscribe 訂閱序號大於 since 的事件（先補發保留範圍內的舊事件）
func (c *Controller) Subscribe(since uint64) *events.Subscription {
	return c.emitter.SubscribeSince(since)
}

// Rebase 訂閱者落後超出環形日誌時的起點：Seq 時所有工作的狀態
type Rebase struct {
	Seq  uint64
	Jobs []types.Job
}

// Follow 從 since 之後接續事件
//
// since 之後的事件已有部分不在環形日誌中時，回傳非 nil 的 Rebase，
// 訂閱改從 Rebase.Seq 接續；持有 c.mu 期間不會有新事件，兩者對應同一個時間點
func (c *Controller) Follow(since uint64) (*events.Subscription, *Rebase) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.emitter.LastSeq()
	if since >= last || since+1 >= c.emitter.FirstSeq() {
		return c.emitter.SubscribeSince(since), nil
	}

	rebase := &Rebase{Seq: last, Jobs: c.jobs.List(jobmanager.Filter{})}
	log.Warn("Subscriber is behind the retained event log, rebasing",
		"since", since, "first_retained", c.emitter.FirstSeq(), "rebase_seq", last)
	return c.emitter.SubscribeSince(last), rebase
}

// CheckInvariants 驗證託管帳戶餘額等於所有未結束工作鎖定的金額
func (c *Controller) CheckInvariants() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	held, err := c.jobs.Held()
	if err != nil {
		return err
	}
	if vault := c.engine.Held(); vault.Cmp(held) != 0 {
		return errors.Newf("conservation violated: vault holds %s, open jobs lock %s", vault, held)
	}
	return nil
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Uptime:       time.Since(c.startTime).Truncate(time.Millisecond).String(),
		Jobs:         c.jobs.Stats(),
		Held:         c.engine.Held(),
		LastWALSeq:   c.wal.GetLastSeq(),
		LastEventSeq: c.emitter.LastSeq(),
		Subscribers:  c.emitter.Subscribers(),
		Recovery:     c.recovery,
	}
}

// Bank 帳戶餘額表（測試用於凍結帳戶）
func (c *Controller) Bank() *escrow.MemoryBank {
	return c.bank
}
