package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/escrow-ledger/internal/escrow"
	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/internal/storage/wal"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const (
	client    types.Account = "0xclient"
	developer types.Account = "0xdev"
	stranger  types.Account = "0xstranger"
)

var ctx = context.Background()

// fakeClock 可控制的時鐘
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func eth(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.ParseEther(s)
	require.NoError(t, err)
	return a
}

func testConfig(dir string, clk *fakeClock) Config {
	return Config{
		WALPath:      filepath.Join(dir, "ledger.wal"),
		SnapshotPath: filepath.Join(dir, "ledger.snapshot"),
		Clock:        clk.Now,
	}
}

// startController 建立並啟動 Controller，測試結束時關閉
func startController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	c, err := NewController(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

// crash 模擬崩潰：不寫快照，直接關閉 WAL
func crash(t *testing.T, c *Controller) {
	t.Helper()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	require.NoError(t, c.wal.Close())
}

func fund(t *testing.T, c *Controller, acct types.Account, amount string) {
	t.Helper()
	_, err := c.Deposit(ctx, acct, eth(t, amount))
	require.NoError(t, err)
}

// submittedJob 建立一筆 1 ETH、7 天的工作並推進到 Submitted
func submittedJob(t *testing.T, c *Controller) types.JobID {
	t.Helper()
	r, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.05"))
	require.NoError(t, err)
	_, err = c.AcceptJob(ctx, r.Job.ID, developer)
	require.NoError(t, err)
	_, err = c.SubmitWork(ctx, r.Job.ID, developer, "QmWork")
	require.NoError(t, err)
	return r.Job.ID
}

func assertBalance(t *testing.T, c *Controller, acct types.Account, want string) {
	t.Helper()
	assert.Equal(t, want, money.FormatEther(c.Balance(acct)), "balance of %s", acct)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestEndToEndScenario 1.0 ETH、7 天：保證金 0.05，總額 1.05，全額撥款 1.05
func TestEndToEndScenario(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "2.0")

	q, err := c.Quote(eth(t, "1.0"))
	require.NoError(t, err)
	assert.Equal(t, "0.05", money.FormatEther(q.Hold))
	assert.Equal(t, "1.05", money.FormatEther(q.Total))

	created, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, q.Total)
	require.NoError(t, err)
	assert.Equal(t, types.JobID(0), created.Job.ID)
	assert.Equal(t, "0.05", money.FormatEther(created.Job.SecurityHold))
	assert.Equal(t, "1.05", money.FormatEther(created.Job.OriginalAmount))
	assert.True(t, created.Excess.IsZero())
	assertBalance(t, c, client, "0.95")
	assert.Equal(t, "1.05", money.FormatEther(c.Held()))

	_, err = c.AcceptJob(ctx, 0, developer)
	require.NoError(t, err)
	_, err = c.SubmitWork(ctx, 0, developer, "QmWork")
	require.NoError(t, err)

	released, err := c.ReleaseFullPayment(ctx, 0, client)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, released.Job.Status)
	assert.Equal(t, types.ReasonApproved, released.Job.CloseReason)
	assert.Equal(t, "1.05", money.FormatEther(*released.Event.TotalPaid))
	assertBalance(t, c, developer, "1.05")
	assert.True(t, c.Held().IsZero())

	_, err = c.ReleaseFullPayment(ctx, 0, client)
	assert.ErrorIs(t, err, jobmanager.ErrInvalidState)
	_, err = c.ReleasePartialPayment(ctx, 0, client, eth(t, "0.1"))
	assert.ErrorIs(t, err, jobmanager.ErrInvalidState)

	var got []events.Type
	for _, ev := range c.Events(0) {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []events.Type{
		events.TypeJobCreated, events.TypeJobAccepted, events.TypeWorkSubmitted, events.TypeFullPaymentReleased,
	}, got)
	require.NoError(t, c.CheckInvariants())
}

// TestOverpaymentRefund 超額的 value 立即退回客戶
func TestOverpaymentRefund(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "3.0")

	r, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "2.0"))
	require.NoError(t, err)
	assert.Equal(t, "0.95", money.FormatEther(r.Excess))
	assertBalance(t, c, client, "1.95")
	assert.Equal(t, "1.05", money.FormatEther(c.Held()))

	require.Len(t, r.Transfers, 2)
	assert.Equal(t, escrow.KindLock, r.Transfers[0].Kind)
	assert.Equal(t, escrow.KindExcess, r.Transfers[1].Kind)
}

// TestCreateRejectedBeforeJournal 驗證失敗的命令不寫入 WAL
func TestCreateRejectedBeforeJournal(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "0.5")
	seq := c.wal.GetLastSeq()

	_, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.0"))
	assert.ErrorIs(t, err, jobmanager.ErrInsufficientFunds)

	_, err = c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.05"))
	assert.ErrorIs(t, err, jobmanager.ErrBalanceTooLow)

	_, err = c.CreateGig(ctx, client, "", eth(t, "0.1"), 7, eth(t, "0.2"))
	assert.ErrorIs(t, err, jobmanager.ErrEmptyMetadata)

	assert.Equal(t, seq, c.wal.GetLastSeq())
	assert.Equal(t, types.JobID(0), c.NextJobID())
	assertBalance(t, c, client, "0.5")
}

// TestPartialSplit 部分撥款：開發者得到 payout，客戶得到 amount + hold - payout
func TestPartialSplit(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "1.05")
	id := submittedJob(t, c)

	_, err := c.ReleasePartialPayment(ctx, id, client, eth(t, "1.0"))
	assert.ErrorIs(t, err, jobmanager.ErrUseFullRelease)
	_, err = c.ReleasePartialPayment(ctx, id, client, money.Zero())
	assert.ErrorIs(t, err, jobmanager.ErrZeroPayout)

	r, err := c.ReleasePartialPayment(ctx, id, client, eth(t, "0.4"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, r.Job.Status)
	assert.Equal(t, types.ReasonRejected, r.Job.CloseReason)
	assert.Equal(t, "0.65", money.FormatEther(*r.Event.Refund))

	assertBalance(t, c, developer, "0.4")
	assertBalance(t, c, client, "0.65")
	assert.True(t, c.Held().IsZero())
}

// TestCancelOnlyWhileOpen 只有 Open 的工作可以撤回
func TestCancelOnlyWhileOpen(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "2.1")

	first, err := c.CreateGig(ctx, client, "QmA", eth(t, "1.0"), 7, eth(t, "1.05"))
	require.NoError(t, err)
	second, err := c.CreateGig(ctx, client, "QmB", eth(t, "1.0"), 7, eth(t, "1.05"))
	require.NoError(t, err)

	_, err = c.CancelJob(ctx, first.Job.ID, stranger)
	assert.ErrorIs(t, err, jobmanager.ErrUnauthorized)

	r, err := c.CancelJob(ctx, first.Job.ID, client)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonWithdrawn, r.Event.Reason)
	assertBalance(t, c, client, "1.05")

	_, err = c.AcceptJob(ctx, second.Job.ID, developer)
	require.NoError(t, err)
	_, err = c.CancelJob(ctx, second.Job.ID, client)
	assert.ErrorIs(t, err, jobmanager.ErrInvalidState)
	require.NoError(t, c.CheckInvariants())
}

// TestSelfAcceptance 客戶不能接自己的工作
func TestSelfAcceptance(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "1.05")

	r, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.05"))
	require.NoError(t, err)
	_, err = c.AcceptJob(ctx, r.Job.ID, client)
	assert.ErrorIs(t, err, jobmanager.ErrSelfAcceptance)

	job, err := c.GetJob(r.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOpen, job.Status)
}

// TestNoDoubleSpend 並發撥款只有一次成功
func TestNoDoubleSpend(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "1.05")
	id := submittedJob(t, c)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, rejected := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(partial bool) {
			defer wg.Done()
			var err error
			if partial {
				_, err = c.ReleasePartialPayment(ctx, id, client, eth(t, "0.5"))
			} else {
				_, err = c.ReleaseFullPayment(ctx, id, client)
			}
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, jobmanager.ErrInvalidState) {
				rejected++
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, rejected)
	assert.True(t, c.Held().IsZero())

	total, err := c.Bank().Total()
	require.NoError(t, err)
	assert.Equal(t, "1.05", money.FormatEther(total))
}

// TestConservation 每一步之後，託管餘額等於未結束工作鎖定的金額，總額不變
func TestConservation(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "10.0")

	steps := []func() error{
		func() error { _, err := c.CreateGig(ctx, client, "Qm0", eth(t, "1.0"), 7, eth(t, "1.5")); return err },
		func() error { _, err := c.CreateGig(ctx, client, "Qm1", eth(t, "2.0"), 30, eth(t, "2.1")); return err },
		func() error { _, err := c.CreateGig(ctx, client, "Qm2", eth(t, "0.3"), 1, eth(t, "0.315")); return err },
		func() error { _, err := c.AcceptJob(ctx, 0, developer); return err },
		func() error { _, err := c.AcceptJob(ctx, 1, developer); return err },
		func() error { _, err := c.CancelJob(ctx, 2, client); return err },
		func() error { _, err := c.SubmitWork(ctx, 0, developer, "QmW0"); return err },
		func() error { _, err := c.SubmitWork(ctx, 1, developer, "QmW1"); return err },
		func() error { _, err := c.ReleaseFullPayment(ctx, 0, client); return err },
		func() error { _, err := c.ReleasePartialPayment(ctx, 1, client, eth(t, "0.7")); return err },
	}
	for i, step := range steps {
		require.NoError(t, step(), "step %d", i)
		require.NoError(t, c.CheckInvariants(), "step %d", i)

		total, err := c.Bank().Total()
		require.NoError(t, err)
		assert.Equal(t, "10.0", money.FormatEther(total), "step %d", i)
	}

	assertBalance(t, c, developer, "1.75")
	assertBalance(t, c, client, "8.25")
	stats := c.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Cancelled)
}

// TestDeadlineIsPureQuery 期限只影響查詢，嚴格晚於期限才為 true
func TestDeadlineIsPureQuery(t *testing.T) {
	clk := newFakeClock()
	c := startController(t, testConfig(t.TempDir(), clk))
	fund(t, c, client, "1.05")

	r, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 1, eth(t, "1.05"))
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	passed, err := c.IsDeadlinePassed(r.Job.ID)
	require.NoError(t, err)
	assert.False(t, passed)

	clk.Advance(time.Millisecond)
	passed, err = c.IsDeadlinePassed(r.Job.ID)
	require.NoError(t, err)
	assert.True(t, passed)

	// 過期的工作仍然可以接案
	_, err = c.AcceptJob(ctx, r.Job.ID, developer)
	assert.NoError(t, err)

	_, err = c.IsDeadlinePassed(99)
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)
}

// TestRecipientRejectedRollsBack 收款方拒收時，狀態與資金都回復
func TestRecipientRejectedRollsBack(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "1.05")
	id := submittedJob(t, c)

	c.Bank().Freeze(developer)
	_, err := c.ReleaseFullPayment(ctx, id, client)
	require.ErrorIs(t, err, jobmanager.ErrRecipientRejected)

	job, err := c.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, job.Status)
	assert.Equal(t, "1.05", money.FormatEther(c.Held()))
	require.NoError(t, c.CheckInvariants())

	// 部分撥款同樣整筆回復
	_, err = c.ReleasePartialPayment(ctx, id, client, eth(t, "0.5"))
	require.ErrorIs(t, err, jobmanager.ErrRecipientRejected)
	assertBalance(t, c, client, "0.0")
	require.NoError(t, c.CheckInvariants())

	c.Bank().Unfreeze(developer)
	_, err = c.ReleaseFullPayment(ctx, id, client)
	require.NoError(t, err)
	assertBalance(t, c, developer, "1.05")
}

// TestFrozenClientOverpaymentRollsBack 超額無法退回給凍結的客戶時，整筆建立回復且資金守恆
func TestFrozenClientOverpaymentRollsBack(t *testing.T) {
	dir := t.TempDir()
	clk := newFakeClock()
	c := startController(t, testConfig(dir, clk))
	fund(t, c, client, "2.0")

	c.Bank().Freeze(client)
	_, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.5"))
	require.ErrorIs(t, err, jobmanager.ErrRecipientRejected)

	assertBalance(t, c, client, "2.0")
	assert.True(t, c.Held().IsZero())
	assert.Equal(t, types.JobID(0), c.NextJobID())
	total, err := c.Bank().Total()
	require.NoError(t, err)
	assert.Equal(t, "2.0", money.FormatEther(total))
	require.NoError(t, c.CheckInvariants())

	// 重放跳過被回復的建立，恢復後的餘額與崩潰前相同
	before := captureState(c)
	crash(t, c)
	second := startController(t, testConfig(dir, clk))
	assert.Equal(t, before.balances, captureState(second).balances)
	assert.Equal(t, 1, second.GetStatus().Recovery.Aborted)
}

// TestDeposit 入金驗證
func TestDeposit(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))

	bal, err := c.Deposit(ctx, client, eth(t, "1.5"))
	require.NoError(t, err)
	assert.Equal(t, "1.5", money.FormatEther(bal))

	_, err = c.Deposit(ctx, client, money.Zero())
	assert.ErrorIs(t, err, jobmanager.ErrInvalidAmount)
	_, err = c.Deposit(ctx, types.VaultAccount, eth(t, "1.0"))
	assert.ErrorIs(t, err, jobmanager.ErrUnauthorized)
	_, err = c.Deposit(ctx, types.NoAccount, eth(t, "1.0"))
	assert.ErrorIs(t, err, jobmanager.ErrUnauthorized)
	_, err = c.Deposit(ctx, client, money.Max())
	assert.ErrorIs(t, err, jobmanager.ErrArithmeticOverflow)

	assertBalance(t, c, client, "1.5")
}

// TestContextCancelled 已取消的 ctx 不進入臨界區
func TestContextCancelled(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "1.05")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := c.CreateGig(cancelled, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.05"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, types.JobID(0), c.NextJobID())
}

// TestStoppedController 關閉後拒絕寫入
func TestStoppedController(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	c.Stop()
	c.Stop()

	_, err := c.Deposit(ctx, client, eth(t, "1.0"))
	assert.ErrorIs(t, err, ErrStopped)
}

// ============================================================================
// Recovery Tests
// ============================================================================

// runScenario 執行一組混合操作
func runScenario(t *testing.T, c *Controller) {
	t.Helper()
	fund(t, c, client, "5.0")
	id := submittedJob(t, c)
	_, err := c.ReleasePartialPayment(ctx, id, client, eth(t, "0.25"))
	require.NoError(t, err)

	r, err := c.CreateGig(ctx, client, "QmOpen", eth(t, "2.0"), 14, eth(t, "3.0"))
	require.NoError(t, err)
	_, err = c.AcceptJob(ctx, r.Job.ID, developer)
	require.NoError(t, err)

	// 被拒絕的命令不影響恢復
	_, err = c.CancelJob(ctx, r.Job.ID, client)
	require.ErrorIs(t, err, jobmanager.ErrInvalidState)
}

type ledgerState struct {
	jobs     []types.Job
	balances map[types.Account]string
	events   []events.Event
	nextID   types.JobID
}

func captureState(c *Controller) ledgerState {
	balances := make(map[types.Account]string)
	for acct, amt := range c.Bank().Snapshot() {
		balances[acct] = amt.String()
	}
	return ledgerState{
		jobs:     c.ListJobs(jobmanager.Filter{}),
		balances: balances,
		events:   c.Events(0),
		nextID:   c.NextJobID(),
	}
}

// TestRecoveryFromWALOnly 沒有快照時，重放 WAL 得到相同狀態與相同事件
func TestRecoveryFromWALOnly(t *testing.T) {
	dir := t.TempDir()
	clk := newFakeClock()

	first := startController(t, testConfig(dir, clk))
	runScenario(t, first)
	before := captureState(first)
	crash(t, first)

	second := startController(t, testConfig(dir, clk))
	after := captureState(second)

	assert.Equal(t, before, after)
	assert.Equal(t, 7, second.GetStatus().Recovery.Replayed)
	require.NoError(t, second.CheckInvariants())

	// 恢復後繼續編號
	r, err := second.CreateGig(ctx, client, "QmNext", eth(t, "0.1"), 7, eth(t, "0.105"))
	require.NoError(t, err)
	assert.Equal(t, before.nextID, r.Job.ID)
	assert.Equal(t, before.events[len(before.events)-1].Seq+1, r.Event.Seq)
}

// TestRecoveryFromSnapshotAndWAL 快照之後的命令由 WAL 補上
func TestRecoveryFromSnapshotAndWAL(t *testing.T) {
	dir := t.TempDir()
	clk := newFakeClock()

	first := startController(t, testConfig(dir, clk))
	runScenario(t, first)
	require.NoError(t, first.TakeSnapshot())

	clk.Advance(time.Hour)
	_, err := first.SubmitWork(ctx, 1, developer, "QmWork1")
	require.NoError(t, err)
	_, err = first.ReleaseFullPayment(ctx, 1, client)
	require.NoError(t, err)
	before := captureState(first)
	crash(t, first)

	second := startController(t, testConfig(dir, clk))
	after := captureState(second)

	assert.Equal(t, before.jobs, after.jobs)
	assert.Equal(t, before.balances, after.balances)
	assert.Equal(t, before.nextID, after.nextID)
	assert.Equal(t, 2, second.GetStatus().Recovery.Replayed)

	// 快照保存環形日誌，快照前後的事件都與崩潰前相同
	require.Len(t, after.events, 8)
	assert.Equal(t, before.events, after.events)
}

// TestRecoverySkipsAbortedCommand 轉帳失敗的命令重放時跳過
func TestRecoverySkipsAbortedCommand(t *testing.T) {
	dir := t.TempDir()
	clk := newFakeClock()

	first := startController(t, testConfig(dir, clk))
	fund(t, first, client, "1.05")
	id := submittedJob(t, first)
	first.Bank().Freeze(developer)
	_, err := first.ReleaseFullPayment(ctx, id, client)
	require.ErrorIs(t, err, jobmanager.ErrRecipientRejected)
	before := captureState(first)
	crash(t, first)

	stats, err := wal.GetWALStats(filepath.Join(dir, "ledger.wal"))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EventTypes[EventAbort])

	second := startController(t, testConfig(dir, clk))
	assert.Equal(t, before, captureState(second))
	assert.Equal(t, 1, second.GetStatus().Recovery.Aborted)

	job, err := second.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, job.Status)
}

// TestGracefulRestart Stop 寫入快照並旋轉 WAL，重啟時不需重放
func TestGracefulRestart(t *testing.T) {
	dir := t.TempDir()
	clk := newFakeClock()
	cfg := testConfig(dir, clk)
	cfg.SnapshotBackups = 2

	first, err := NewController(cfg)
	require.NoError(t, err)
	require.NoError(t, first.Start())
	runScenario(t, first)
	before := captureState(first)
	first.Stop()

	second := startController(t, cfg)
	after := captureState(second)
	assert.Equal(t, before.jobs, after.jobs)
	assert.Equal(t, before.balances, after.balances)
	assert.Equal(t, 0, second.GetStatus().Recovery.Replayed)
	assert.Equal(t, before.events[len(before.events)-1].Seq, second.GetStatus().LastEventSeq)
	assert.Equal(t, before.events, after.events)
}

// TestFollowRebasesBehindRetention 訂閱起點早於環形日誌時回傳目前的工作清單
func TestFollowRebasesBehindRetention(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, newFakeClock())
	cfg.EventRetention = 4

	c := startController(t, cfg)
	runScenario(t, c)
	require.Equal(t, uint64(6), c.GetStatus().LastEventSeq)

	// 3 之後的事件都還在環形日誌中
	sub, rebase := c.Follow(2)
	assert.Nil(t, rebase)
	for want := uint64(3); want <= 6; want++ {
		ev := <-sub.C()
		assert.Equal(t, want, ev.Seq)
	}
	sub.Close()

	sub, rebase = c.Follow(0)
	defer sub.Close()
	require.NotNil(t, rebase)
	assert.Equal(t, uint64(6), rebase.Seq)
	assert.Equal(t, c.ListJobs(jobmanager.Filter{}), rebase.Jobs)

	// 重建之後只收到新事件
	_, err := c.SubmitWork(ctx, 1, developer, "QmWork1")
	require.NoError(t, err)
	select {
	case ev := <-sub.C():
		assert.Equal(t, uint64(7), ev.Seq)
		assert.Equal(t, events.TypeWorkSubmitted, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after rebase")
	}

	// 重啟後保留範圍不變
	c.Stop()
	second := startController(t, cfg)
	sub2, rebase := second.Follow(1)
	defer sub2.Close()
	require.NotNil(t, rebase)
	assert.Equal(t, uint64(7), rebase.Seq)
	assert.Equal(t, uint64(4), second.emitter.FirstSeq())
}

// TestSnapshotLoop 定期快照會旋轉 WAL
func TestSnapshotLoop(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, newFakeClock())
	cfg.SnapshotInterval = 20 * time.Millisecond

	c := startController(t, cfg)
	fund(t, c, client, "1.0")

	require.Eventually(t, func() bool {
		n, err := wal.CountEvents(cfg.WALPath)
		return err == nil && n == 0 && c.snapshots.Exists()
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Metrics / Status Tests
// ============================================================================

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testConfig(t.TempDir(), newFakeClock())
	cfg.Metrics = metrics.NewCollectorWith(reg)

	c := startController(t, cfg)
	fund(t, c, client, "1.05")
	_, err := c.AcceptJob(ctx, 5, developer)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]bool{}
	for _, mf := range families {
		found[mf.GetName()] = true
		if mf.GetName() == "escrow_operation_failures_total" {
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found["escrow_operations_total"])
	assert.True(t, found["escrow_operation_failures_total"])
	assert.True(t, found["escrow_recovery_time_seconds"])
}

func TestGetStatus(t *testing.T) {
	c := startController(t, testConfig(t.TempDir(), newFakeClock()))
	fund(t, c, client, "2.0")
	_, err := c.CreateGig(ctx, client, "QmMeta", eth(t, "1.0"), 7, eth(t, "1.05"))
	require.NoError(t, err)

	sub := c.Subscribe(0)
	defer sub.Close()

	status := c.GetStatus()
	assert.Equal(t, 1, status.Jobs.Open)
	assert.Equal(t, "1.05", money.FormatEther(status.Held))
	assert.Equal(t, uint64(2), status.LastWALSeq)
	assert.Equal(t, uint64(1), status.LastEventSeq)
	assert.Equal(t, 1, status.Subscribers)

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeJobCreated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}
