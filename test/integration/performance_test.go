// ============================================================================
// Escrow Ledger 效能測試
// ============================================================================
//
// TestSystemThroughput:
//   8 組客戶/開發者併發完成 504 筆工作（每筆 4 次落盤寫入），
//   目標：>= 20 筆工作/秒，結束後不變量成立
//
// TestRecoveryPerformance:
//   500 筆工作 + 快照 + 快照後 500 筆工作，崩潰後恢復，
//   目標：恢復時間 < 3 秒，狀態與崩潰前相同
//
// ============================================================================

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
)

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	ctrl := startController(t, newConfig(t.TempDir()))
	defer ctrl.Stop()

	const clients, perClient = 8, 63
	totalJobs := clients * perClient

	startTime := time.Now()
	runLifecycles(t, ctrl, clients, perClient)
	elapsedTime := time.Since(startTime)

	stats := ctrl.Stats()
	throughput := float64(totalJobs) / elapsedTime.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Completed: %d, Cancelled: %d, Submitted: %d, In progress: %d",
		stats.Completed, stats.Cancelled, stats.Submitted, stats.InProgress)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f jobs/second", throughput)
	t.Logf("================================")

	require.Equal(t, totalJobs, int(ctrl.NextJobID()))
	assert.Equal(t, totalJobs, stats.Completed+stats.Cancelled+stats.Submitted+stats.InProgress)
	assert.NoError(t, ctrl.CheckInvariants())

	expectedThroughput := 20.0
	if throughput < expectedThroughput {
		t.Errorf("⚠️  Throughput %.2f jobs/s is below target of %.2f jobs/s", throughput, expectedThroughput)
	} else {
		t.Logf("✅ Throughput target met: %.2f jobs/s >= %.2f jobs/s", throughput, expectedThroughput)
	}
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}
	cfg := newConfig(t.TempDir())

	// 第一階段：快照前後各 500 筆
	ctrl1 := startController(t, cfg)
	runLifecycles(t, ctrl1, 5, 100)
	require.NoError(t, ctrl1.TakeSnapshot())
	runLifecycles(t, ctrl1, 5, 100)

	statsBefore := ctrl1.Stats()
	heldBefore := ctrl1.Held()
	// 崩潰：不呼叫 Stop

	// 第二階段：恢復並計時
	startTime := time.Now()
	ctrl2 := startController(t, cfg)
	recoveryTime := time.Since(startTime)
	defer ctrl2.Stop()

	status := ctrl2.GetStatus()
	t.Logf("=== Recovery Performance ===")
	t.Logf("Jobs: %d", statsBefore.Total)
	t.Logf("WAL records replayed: %d", status.Recovery.Replayed)
	t.Logf("Recovery time: %v (reported %s)", recoveryTime, status.Recovery.Duration)
	t.Logf("============================")

	assert.Equal(t, statsBefore, ctrl2.Stats())
	assert.Equal(t, heldBefore, ctrl2.Held())
	assert.NoError(t, ctrl2.CheckInvariants())
	assert.Len(t, ctrl2.ListJobs(jobmanager.Filter{}), statsBefore.Total)

	if recoveryTime > 3*time.Second {
		t.Errorf("⚠️  Recovery took %v, target is under 3s", recoveryTime)
	} else {
		t.Logf("✅ Recovery under 3s: %v", recoveryTime)
	}
}
