package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// newJob 建立測試用工作
func newJob(id types.JobID, status types.Status) *types.Job {
	return &types.Job{
		ID:             id,
		Client:         "alice",
		Amount:         money.FromUint64(1000),
		SecurityHold:   money.FromUint64(50),
		OriginalAmount: money.FromUint64(1050),
		MetadataRef:    fmt.Sprintf("QmJob%d", id),
		Status:         status,
	}
}

func sampleData(lastSeq uint64) types.SnapshotData {
	return types.SnapshotData{
		Jobs: []*types.Job{
			newJob(0, types.StatusOpen),
			newJob(1, types.StatusInProgress),
		},
		Balances: map[types.Account]money.Amount{
			"alice":            money.FromUint64(900),
			types.VaultAccount: money.FromUint64(2100),
		},
		EventSeq:  7,
		SchemaVer: SchemaVersion,
		LastSeq:   lastSeq,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	original := sampleData(42)
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(42), loaded.LastSeq)
	assert.Equal(t, uint64(7), loaded.EventSeq)
	require.Len(t, loaded.Jobs, 2)
	assert.Equal(t, *original.Jobs[1], *loaded.Jobs[1])
	assert.Equal(t, "2100", loaded.Balances[types.VaultAccount].String())
}

// TestAtomicWrite 測試寫入期間讀取只會看到完整的快照
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)
	require.NoError(t, manager.Write(sampleData(50)))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(sampleData(100)))
	}()

	var loaded types.SnapshotData
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()

	wg.Wait()

	assert.True(t, loaded.LastSeq == 50 || loaded.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loaded.LastSeq)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, uint64(0), loaded.LastSeq)
	assert.NotNil(t, loaded.Jobs)
	assert.Empty(t, loaded.Jobs)
	assert.NotNil(t, loaded.Balances)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	invalid := sampleData(0)
	invalid.SchemaVer = 2
	jsonBytes, err := json.MarshalIndent(invalid, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	corrupted := `{"jobs": [{"id": 0, "status": "open"`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corrupted), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestMismatchedJobIndex 工作 ID 與陣列位置不符視為損壞
func TestMismatchedJobIndex(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	data := sampleData(1)
	data.Jobs[1].ID = 5
	require.NoError(t, manager.Write(data))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestBadAmount 金額欄位不是十進位整數視為損壞
func TestBadAmount(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	bad := `{"jobs": [], "balances": {"alice": "abc"}, "schema_ver": 1}`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(bad), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0555))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "test_snapshot.json"))
	assert.Error(t, manager.Write(sampleData(0)))
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 測試帶備份的寫入與舊備份清理
func TestWriteWithBackup(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(sampleData(10)))
	for seq := uint64(20); seq <= 50; seq += 10 {
		require.NoError(t, manager.WriteWithBackup(sampleData(seq), 2))
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(50), loaded.LastSeq)

	backups, err := manager.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)

	// 最新的備份是上一個快照
	prev := NewManager(backups[1])
	data, err := prev.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), data.LastSeq)
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	large := types.SnapshotData{Balances: map[types.Account]money.Amount{}}
	for i := 0; i < 1000; i++ {
		large.Jobs = append(large.Jobs, newJob(types.JobID(i), types.Status(i%5)))
		large.Balances[types.Account(fmt.Sprintf("acct-%d", i))] = money.FromUint64(uint64(i + 1))
	}

	start := time.Now()
	require.NoError(t, manager.Write(large))
	t.Logf("wrote 1000 jobs in %v", time.Since(start))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, 1000)
	assert.Len(t, loaded.Balances, 1000)
	assert.Equal(t, types.StatusCancelled, loaded.Jobs[999].Status)
}

// TestConcurrentWrites 並發寫入不會產生損壞的檔案
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(seq uint64) {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleData(seq)))
		}(uint64(i))
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Less(t, loaded.LastSeq, uint64(10))
}

// ============================================================================
// 效能測試
// ============================================================================

func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench_snapshot.json"))
	data := sampleData(1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := manager.Write(data); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoad(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "bench_snapshot.json"))
	if err := manager.Write(sampleData(1)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := manager.Load(); err != nil {
			b.Fatal(err)
		}
	}
}
