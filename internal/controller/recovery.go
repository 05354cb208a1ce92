package controller

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/storage/wal"
)

// ============================================================================
// 崩潰恢復
// 快照 → ABORT 收集 → 重放；重放使用命令紀錄的時間，結果與第一次執行相同
// ============================================================================

// recoverState 從快照與 WAL 恢復狀態
func (c *Controller) recoverState() error {
	start := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.snapshots.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load snapshot")
	}
	if err := c.jobs.Restore(data.Jobs); err != nil {
		return errors.Wrap(err, "failed to restore jobs")
	}
	c.bank.Restore(data.Balances)
	var retained []events.Event
	if len(data.Events) > 0 {
		if err := json.Unmarshal(data.Events, &retained); err != nil {
			return errors.Wrap(err, "failed to decode retained events")
		}
	}
	if err := c.emitter.Restore(data.EventSeq, retained); err != nil {
		return errors.Wrap(err, "failed to restore event log")
	}
	c.wal.AdvanceSeq(data.LastSeq)

	log.Info("Snapshot loaded",
		"jobs", len(data.Jobs),
		"accounts", len(data.Balances),
		"last_seq", data.LastSeq,
		"event_seq", data.EventSeq,
		"retained_events", len(retained))

	aborted := make(map[uint64]bool)
	if err := c.wal.Replay(data.LastSeq, func(event wal.Event) error {
		if event.Type != EventAbort {
			return nil
		}
		var cmd abortCmd
		if err := event.Decode(&cmd); err != nil {
			return errors.Wrapf(err, "decode ABORT seq=%d", event.Seq)
		}
		aborted[cmd.Seq] = true
		return nil
	}); err != nil {
		return errors.Wrap(err, "failed to scan WAL")
	}

	stats := RecoveryStats{Aborted: len(aborted)}
	c.replaying = true
	err = c.wal.Replay(data.LastSeq, func(event wal.Event) error {
		if event.Type == EventAbort || aborted[event.Seq] {
			return nil
		}
		applyErr := c.applyEvent(event)
		if applyErr == nil {
			stats.Replayed++
			return nil
		}
		if jobmanager.IsLedgerError(applyErr) {
			// 第一次執行時就以相同錯誤失敗
			stats.Skipped++
			log.Warn("Skipping rejected command during replay",
				"seq", event.Seq, "type", event.Type, "kind", jobmanager.Kind(applyErr))
			return nil
		}
		return errors.Wrapf(applyErr, "replay seq=%d %s", event.Seq, event.Type)
	})
	c.replaying = false
	if err != nil {
		return errors.Wrap(err, "failed to replay WAL")
	}

	elapsed := time.Since(start)
	stats.Duration = elapsed.String()
	c.recovery = stats
	c.refreshGauges()
	if c.metrics != nil {
		c.metrics.SetRecoveryTime(elapsed.Seconds(), stats.Replayed)
	}

	if elapsed > 3*time.Second {
		log.Warn("Recovery time exceeds 3s", "duration", elapsed)
	}
	log.Info("Recovery completed",
		"duration", elapsed,
		"replayed", stats.Replayed,
		"skipped", stats.Skipped,
		"aborted", stats.Aborted)
	return nil
}

// applyEvent 重新執行一筆 WAL 命令，假設調用者已持有 c.mu
func (c *Controller) applyEvent(event wal.Event) error {
	now := time.UnixMilli(event.Timestamp)

	switch event.Type {
	case wal.EventCreateGig:
		var cmd createGigCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.createGig(cmd, now, false, event.JobID)
		return err

	case wal.EventAccept:
		var cmd callerCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.acceptJob(event.JobID, cmd, now, false)
		return err

	case wal.EventSubmit:
		var cmd submitCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.submitWork(event.JobID, cmd, now, false)
		return err

	case wal.EventReleaseFull:
		var cmd callerCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.releaseFull(event.JobID, cmd, now, false)
		return err

	case wal.EventReleasePartial:
		var cmd releasePartialCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.releasePartial(event.JobID, cmd, now, false)
		return err

	case wal.EventCancel:
		var cmd callerCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.cancelJob(event.JobID, cmd, now, false)
		return err

	case wal.EventDeposit:
		var cmd depositCmd
		if err := event.Decode(&cmd); err != nil {
			return err
		}
		_, err := c.deposit(cmd, now, false)
		return err
	}

	return errors.Newf("unknown WAL event type %q for job %s", event.Type, event.JobID)
}
