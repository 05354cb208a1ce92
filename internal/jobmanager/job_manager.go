// ============================================================================
// Escrow Ledger 工作帳本 - 託管工作狀態機
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 保存所有託管工作，驗證調用者身份與狀態轉換
//
// 設計理念:
//   帳本只負責「決定」，不負責「執行」：
//   1. Plan* 方法驗證調用者與狀態，回傳 Plan（變更後的紀錄 + 需要的資金移動），
//      不修改任何資料
//   2. Commit(plan) 安裝變更，回傳 Undo 以便轉帳失敗時回復
//   3. 資金移動由 internal/escrow 執行，順序由 Controller 控制
//
// 工作狀態轉換 (State Machine):
//   Open (開放)
//      ├─ AcceptJob()   → InProgress
//      └─ CancelJob()   → Cancelled (withdrawn)
//   InProgress (進行中)
//      └─ SubmitWork()  → Submitted
//   Submitted (已提交)
//      ├─ ReleaseFullPayment()    → Completed (approved)
//      └─ ReleasePartialPayment() → Cancelled (rejected)
//   Completed / Cancelled 為終止狀態，不允許任何變更
//
// 數據結構設計:
//   jobs []*types.Job - 以 ID 為索引的 arena，ID 從 0 遞增，永不刪除
//   counts [5]int     - 各狀態的工作數量，避免每次統計都掃描 arena
//   version           - 每次 Commit 遞增，用於偵測過期的 Plan
//
// 錯誤檢查順序:
//   客戶/開發者操作：存在 → 角色 → 狀態
//   接案：存在 → 狀態 → 自我接案
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 arena
//   - Plan 與 Commit 之間的一致性由 Controller 的臨界區保證，
//     version 檢查只是最後防線
//
// ============================================================================

package jobmanager

import (
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

const (
	// MinDeadlineDays 最短期限（天）
	MinDeadlineDays = 1
	// MaxDeadlineDays 最長期限（天）
	MaxDeadlineDays = 365
	// Day 期限計算單位
	Day = 24 * time.Hour
)

// Op 帳本操作名稱
type Op string

const (
	OpCreateGig      Op = "create_gig"
	OpAcceptJob      Op = "accept_job"
	OpSubmitWork     Op = "submit_work"
	OpReleaseFull    Op = "release_full_payment"
	OpReleasePartial Op = "release_partial_payment"
	OpCancelJob      Op = "cancel_job"
)

// Plan 一次已驗證、尚未安裝的帳本變更
type Plan struct {
	Op  Op
	Job types.Job // 變更後的紀錄

	// 建立工作時：客戶提供的金額與必須鎖定的總額
	Supplied money.Amount
	Required money.Amount

	// 結束工作時：撥給開發者與退還客戶的金額
	Payout money.Amount
	Refund money.Amount

	version uint64
}

// Undo 回復一次 Commit，必須在下一次 Commit 之前呼叫
type Undo func()

// Stats 各狀態工作數量
type Stats struct {
	Total      int `json:"total"`
	Open       int `json:"open"`
	InProgress int `json:"in_progress"`
	Submitted  int `json:"submitted"`
	Completed  int `json:"completed"`
	Cancelled  int `json:"cancelled"`
}

// Filter 列表查詢條件，零值代表不過濾
type Filter struct {
	Client    types.Account
	Developer types.Account
	Status    *types.Status
	Offset    int
	Limit     int
}

// JobManager 工作帳本
type JobManager struct {
	mu      sync.RWMutex
	jobs    []*types.Job // 索引即 JobID
	counts  [types.StatusCancelled + 1]int
	version uint64
}

// NewJobManager 建立空帳本
//
// 使用範例：
//
//	jm := NewJobManager()
//	plan, err := jm.PlanCreateGig("alice", "Qm...", amount, 7, value, time.Now())
//	undo, err := jm.Commit(plan)
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{jobs: make([]*types.Job, 0)}
}

// ============================================================================
// 寫入操作（規劃）
// ============================================================================

// PlanCreateGig 驗證並規劃一筆新工作
//
// 參數說明：
//   - caller: 出資的客戶
//   - metadataRef: 工作描述的內容參照，不可為空
//   - amount: 預算（最小單位），必須大於 0
//   - deadlineDays: 期限天數，1 到 365
//   - value: 客戶提供的金額，必須 >= amount + hold，超額會退回
//   - now: 建立時間
//
// 錯誤處理：
//   - ErrUnauthorized: caller 為空
//   - ErrEmptyMetadata / ErrInvalidAmount / ErrInvalidDeadline
//   - ErrArithmeticOverflow: amount + hold 溢位
//   - ErrInsufficientFunds: value 不足
func (jm *JobManager) PlanCreateGig(caller types.Account, metadataRef string, amount money.Amount, deadlineDays int, value money.Amount, now time.Time) (*Plan, error) {
	if !caller.IsSet() {
		return nil, errors.Wrap(ErrUnauthorized, "caller required")
	}
	if strings.TrimSpace(metadataRef) == "" {
		return nil, ErrEmptyMetadata
	}
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if deadlineDays < MinDeadlineDays || deadlineDays > MaxDeadlineDays {
		return nil, errors.WithHintf(errors.Wrapf(ErrInvalidDeadline, "got %d", deadlineDays),
			"choose a deadline between %d and %d days", MinDeadlineDays, MaxDeadlineDays)
	}

	hold, err := money.ComputeSecurityHold(amount)
	if err != nil {
		return nil, err
	}
	total, err := money.ComputeTotalRequired(amount)
	if err != nil {
		return nil, err
	}
	if value.Lt(total) {
		return nil, errors.WithHintf(errors.Wrapf(ErrInsufficientFunds, "supplied %s, required %s", value, total),
			"send at least amount + 5%% security hold (%s)", total)
	}

	jm.mu.RLock()
	defer jm.mu.RUnlock()

	ms := now.UnixMilli()
	return &Plan{
		Op: OpCreateGig,
		Job: types.Job{
			ID:             types.JobID(len(jm.jobs)),
			Client:         caller,
			Developer:      types.NoAccount,
			Amount:         amount,
			SecurityHold:   hold,
			OriginalAmount: total,
			MetadataRef:    metadataRef,
			Status:         types.StatusOpen,
			Deadline:       now.Add(time.Duration(deadlineDays) * Day).UnixMilli(),
			CreatedAt:      ms,
			UpdatedAt:      ms,
		},
		Supplied: value,
		Required: total,
		version:  jm.version,
	}, nil
}

// PlanAcceptJob 開發者接案：Open → InProgress
//
// 錯誤處理：
//   - ErrJobNotFound
//   - ErrInvalidState: 工作不是 Open
//   - ErrSelfAcceptance: 調用者是客戶本人
func (jm *JobManager) PlanAcceptJob(id types.JobID, caller types.Account, now time.Time) (*Plan, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.lookup(id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusOpen {
		return nil, stateError(job, "job not open")
	}
	if caller == job.Client {
		return nil, errors.Wrapf(ErrSelfAcceptance, "job %s", id)
	}
	if !caller.IsSet() {
		return nil, errors.Wrap(ErrUnauthorized, "caller required")
	}

	staged := *job
	staged.Developer = caller
	staged.Status = types.StatusInProgress
	staged.UpdatedAt = now.UnixMilli()
	return &Plan{Op: OpAcceptJob, Job: staged, version: jm.version}, nil
}

// PlanSubmitWork 開發者提交成果：InProgress → Submitted
//
// 錯誤處理：
//   - ErrJobNotFound
//   - ErrUnauthorized: 調用者不是開發者
//   - ErrEmptySubmission
//   - ErrInvalidState: 工作不是 InProgress
func (jm *JobManager) PlanSubmitWork(id types.JobID, caller types.Account, submissionRef string, now time.Time) (*Plan, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.lookup(id)
	if err != nil {
		return nil, err
	}
	if !job.Developer.IsSet() || caller != job.Developer {
		return nil, errors.Wrapf(ErrUnauthorized, "only developer of job %s", id)
	}
	if strings.TrimSpace(submissionRef) == "" {
		return nil, ErrEmptySubmission
	}
	if job.Status != types.StatusInProgress {
		return nil, stateError(job, "job not in progress")
	}

	staged := *job
	staged.SubmissionRef = submissionRef
	staged.Status = types.StatusSubmitted
	staged.UpdatedAt = now.UnixMilli()
	return &Plan{Op: OpSubmitWork, Job: staged, version: jm.version}, nil
}

// PlanReleaseFullPayment 客戶核准：Submitted → Completed，amount + hold 全部撥給開發者
func (jm *JobManager) PlanReleaseFullPayment(id types.JobID, caller types.Account, now time.Time) (*Plan, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.clientJob(id, caller)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusSubmitted {
		return nil, stateError(job, "job not submitted")
	}

	payout, err := job.Amount.Add(job.SecurityHold)
	if err != nil {
		return nil, err
	}

	staged := closeJob(*job, types.StatusCompleted, types.ReasonApproved, payout, money.Zero(), now)
	return &Plan{Op: OpReleaseFull, Job: staged, Payout: payout, version: jm.version}, nil
}

// PlanReleasePartialPayment 客戶拒絕成果但支付部分金額：Submitted → Cancelled
//
// 參數說明：
//   - payout: 撥給開發者的金額，0 < payout < amount
//
// 剩餘的 amount + hold - payout 退還客戶
//
// 錯誤處理：
//   - ErrJobNotFound / ErrUnauthorized / ErrInvalidState
//   - ErrZeroPayout: payout 為 0
//   - ErrUseFullRelease: payout >= amount
func (jm *JobManager) PlanReleasePartialPayment(id types.JobID, caller types.Account, payout money.Amount, now time.Time) (*Plan, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.clientJob(id, caller)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusSubmitted {
		return nil, stateError(job, "job not submitted")
	}
	if payout.IsZero() {
		return nil, ErrZeroPayout
	}
	if payout.Gte(job.Amount) {
		return nil, errors.WithHint(errors.Wrapf(ErrUseFullRelease, "payout %s, amount %s", payout, job.Amount),
			"call release for a full payment")
	}

	locked, err := job.Amount.Add(job.SecurityHold)
	if err != nil {
		return nil, err
	}
	refund, err := locked.Sub(payout)
	if err != nil {
		return nil, err
	}

	staged := closeJob(*job, types.StatusCancelled, types.ReasonRejected, payout, refund, now)
	return &Plan{Op: OpReleasePartial, Job: staged, Payout: payout, Refund: refund, version: jm.version}, nil
}

// PlanCancelJob 客戶在接案前撤回：Open → Cancelled，退還全部鎖定金額
func (jm *JobManager) PlanCancelJob(id types.JobID, caller types.Account, now time.Time) (*Plan, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.clientJob(id, caller)
	if err != nil {
		return nil, err
	}
	if job.Status != types.StatusOpen {
		return nil, stateError(job, "can cancel only when open")
	}

	refund, err := job.Amount.Add(job.SecurityHold)
	if err != nil {
		return nil, err
	}

	staged := closeJob(*job, types.StatusCancelled, types.ReasonWithdrawn, money.Zero(), refund, now)
	return &Plan{Op: OpCancelJob, Job: staged, Refund: refund, version: jm.version}, nil
}

// ============================================================================
// 寫入操作（安裝）
// ============================================================================

// Commit 安裝 Plan，回傳可回復此次變更的 Undo
//
// 錯誤處理：
//   - ErrStalePlan: Plan 建立後帳本已有其他變更
func (jm *JobManager) Commit(plan *Plan) (Undo, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if plan.version != jm.version {
		return nil, errors.Wrapf(ErrStalePlan, "plan version %d, ledger version %d", plan.version, jm.version)
	}

	staged := plan.Job
	prevVersion := jm.version

	if plan.Op == OpCreateGig {
		if int(staged.ID) != len(jm.jobs) {
			return nil, errors.Wrapf(ErrStalePlan, "job id %d already assigned", staged.ID)
		}
		jm.jobs = append(jm.jobs, &staged)
		jm.counts[staged.Status]++
		jm.version++

		return func() {
			jm.mu.Lock()
			defer jm.mu.Unlock()
			jm.jobs[len(jm.jobs)-1] = nil
			jm.jobs = jm.jobs[:len(jm.jobs)-1]
			jm.counts[staged.Status]--
			jm.version = prevVersion
		}, nil
	}

	if int(staged.ID) >= len(jm.jobs) {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", staged.ID)
	}
	prev := *jm.jobs[staged.ID]
	jm.install(&staged, prev.Status)
	jm.version++

	return func() {
		jm.mu.Lock()
		defer jm.mu.Unlock()
		restored := prev
		jm.install(&restored, staged.Status)
		jm.version = prevVersion
	}, nil
}

// install 假設調用者已持有寫鎖
func (jm *JobManager) install(job *types.Job, from types.Status) {
	jm.counts[from]--
	jm.counts[job.Status]++
	jm.jobs[job.ID] = job
}

// ============================================================================
// 讀取操作
// ============================================================================

// GetJob 回傳工作紀錄的副本
func (jm *JobManager) GetJob(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.lookup(id)
	if err != nil {
		return types.Job{}, err
	}
	return *job, nil
}

// GetJobMetadata 回傳工作描述參照
func (jm *JobManager) GetJobMetadata(id types.JobID) (string, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.lookup(id)
	if err != nil {
		return "", err
	}
	return job.MetadataRef, nil
}

// IsDeadlinePassed 純查詢：now 嚴格晚於期限時為 true，不影響任何狀態
func (jm *JobManager) IsDeadlinePassed(id types.JobID, now time.Time) (bool, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, err := jm.lookup(id)
	if err != nil {
		return false, err
	}
	return now.UnixMilli() > job.Deadline, nil
}

// NextJobID 下一筆工作將使用的 ID（即目前工作總數）
func (jm *JobManager) NextJobID() types.JobID {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return types.JobID(len(jm.jobs))
}

// List 依條件列出工作，依 ID 遞增排序
func (jm *JobManager) List(f Filter) []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0)
	skipped := 0
	for _, job := range jm.jobs {
		if f.Client.IsSet() && job.Client != f.Client {
			continue
		}
		if f.Developer.IsSet() && job.Developer != f.Developer {
			continue
		}
		if f.Status != nil && job.Status != *f.Status {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *job)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Stats 回傳各狀態工作數量
func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return Stats{
		Total:      len(jm.jobs),
		Open:       jm.counts[types.StatusOpen],
		InProgress: jm.counts[types.StatusInProgress],
		Submitted:  jm.counts[types.StatusSubmitted],
		Completed:  jm.counts[types.StatusCompleted],
		Cancelled:  jm.counts[types.StatusCancelled],
	}
}

// Held 所有未結束工作鎖定的金額總和，應與託管帳戶餘額相等
func (jm *JobManager) Held() (money.Amount, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	total := money.Zero()
	for _, job := range jm.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		locked, err := job.Amount.Add(job.SecurityHold)
		if err != nil {
			return money.Amount{}, err
		}
		if total, err = total.Add(locked); err != nil {
			return money.Amount{}, err
		}
	}
	return total, nil
}

// ============================================================================
// 快照
// ============================================================================

// Snapshot 回傳所有工作的副本，索引即 ID
func (jm *JobManager) Snapshot() []*types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]*types.Job, len(jm.jobs))
	for i, job := range jm.jobs {
		cp := *job
		out[i] = &cp
	}
	return out
}

// Restore 以快照內容取代帳本
//
// 錯誤處理：
//   - 工作 ID 與位置不符、或狀態值無效時回傳錯誤，帳本保持不變
func (jm *JobManager) Restore(jobs []*types.Job) error {
	arena := make([]*types.Job, len(jobs))
	var counts [types.StatusCancelled + 1]int
	for i, job := range jobs {
		if job == nil || int(job.ID) != i {
			return errors.Newf("snapshot job at index %d has mismatched id", i)
		}
		if int(job.Status) >= len(counts) {
			return errors.Newf("snapshot job %d has invalid status %d", i, job.Status)
		}
		cp := *job
		arena[i] = &cp
		counts[job.Status]++
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.jobs = arena
	jm.counts = counts
	jm.version++
	return nil
}

// ============================================================================
// 內部輔助
// ============================================================================

// lookup 假設調用者已持有鎖
func (jm *JobManager) lookup(id types.JobID) (*types.Job, error) {
	if uint64(id) >= uint64(len(jm.jobs)) {
		return nil, errors.Wrapf(ErrJobNotFound, "job %s", id)
	}
	return jm.jobs[id], nil
}

// clientJob 存在 → 角色 檢查，用於客戶操作
func (jm *JobManager) clientJob(id types.JobID, caller types.Account) (*types.Job, error) {
	job, err := jm.lookup(id)
	if err != nil {
		return nil, err
	}
	if caller != job.Client {
		return nil, errors.Wrapf(ErrUnauthorized, "only client of job %s", id)
	}
	return job, nil
}

func stateError(job *types.Job, msg string) error {
	return errors.Wrapf(ErrInvalidState, "%s: job %s is %s", msg, job.ID, job.Status)
}

// closeJob 結束工作：清空鎖定金額並設定終止狀態
func closeJob(job types.Job, status types.Status, reason types.CloseReason, paid, refunded money.Amount, now time.Time) types.Job {
	job.Amount = money.Zero()
	job.SecurityHold = money.Zero()
	job.Paid = paid
	job.Refunded = refunded
	job.Status = status
	job.CloseReason = reason
	job.UpdatedAt = now.UnixMilli()
	return job
}
