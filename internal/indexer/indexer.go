// ============================================================================
// Escrow Ledger 索引器 - 事件投影到 SQLite
// ============================================================================
//
// Package: internal/indexer
// 文件: indexer.go
// 功能: 訂閱帳本事件，投影成可查詢的 SQLite 表格，供儀表板使用
//
// 資料表:
//   events      - 原始事件，seq 為主鍵
//   jobs        - 每筆工作的最新狀態（客戶 / 開發者 / 狀態索引）
//   index_state - 最近一次重建時對應的事件序號
//
// 冪等性:
//   事件以 seq 去重（INSERT OR IGNORE），恢復後重新發出的事件不會重複套用；
//   事件 ID 由序號決定，重新發出的事件與第一次完全相同
//
// 重建:
//   帳本只保留最近的事件。索引器落後到保留範圍之外（或資料庫是新建的）時，
//   以帳本目前的工作清單呼叫 Rebase 重寫 jobs 表，再從該序號接續訂閱；
//   events 表只保留索引器實際收到的事件
//
// ============================================================================

package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var log = slog.Default()

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	type       TEXT NOT NULL,
	job_id     INTEGER NOT NULL,
	time_ms    INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS jobs (
	id             INTEGER PRIMARY KEY,
	client         TEXT NOT NULL,
	developer      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	amount         TEXT NOT NULL,
	metadata_ref   TEXT NOT NULL,
	submission_ref TEXT NOT NULL DEFAULT '',
	close_reason   TEXT NOT NULL DEFAULT '',
	paid           TEXT NOT NULL DEFAULT '0',
	refunded       TEXT NOT NULL DEFAULT '0',
	deadline_ms    INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_client ON jobs(client);
CREATE INDEX IF NOT EXISTS idx_jobs_developer ON jobs(developer);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE TABLE IF NOT EXISTS index_state (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	rebased_seq INTEGER NOT NULL
);
`

// JobRow 索引中的工作
type JobRow struct {
	ID            types.JobID       `json:"id"`
	Client        types.Account     `json:"client"`
	Developer     types.Account     `json:"developer"`
	Status        string            `json:"status"`
	Amount        string            `json:"amount"`
	MetadataRef   string            `json:"metadata_ref"`
	SubmissionRef string            `json:"submission_ref"`
	CloseReason   types.CloseReason `json:"close_reason"`
	Paid          string            `json:"paid"`
	Refunded      string            `json:"refunded"`
	Deadline      int64             `json:"deadline_ms"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
}

// Query 工作查詢條件，零值代表不過濾
type Query struct {
	Client    types.Account
	Developer types.Account
	Status    string
	Limit     int
}

// Dashboard 某個帳戶各狀態的工作數量
type Dashboard struct {
	Account types.Account  `json:"account"`
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts"`
}

// Indexer SQLite 投影
type Indexer struct {
	db *sql.DB
}

// Open 開啟（或建立）SQLite 資料庫並建立資料表
func Open(path string) (*Indexer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create index dir %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open index database")
	}
	// 單一寫入者
	db.SetMaxOpenConns(1)

	idx := New(db)
	if err := idx.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// New 使用既有連線，不建立資料表
func New(db *sql.DB) *Indexer {
	return &Indexer{db: db}
}

// Migrate 建立資料表與索引
func (x *Indexer) Migrate(ctx context.Context) error {
	if _, err := x.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to initialize index schema")
	}
	return nil
}

// Close 關閉資料庫
func (x *Indexer) Close() error {
	return x.db.Close()
}

// ============================================================================
// 寫入
// ============================================================================

// Run 持續套用訂閱中的事件，直到 ctx 結束或訂閱關閉
//
// 單筆事件套用失敗只記錄錯誤，不中斷訂閱
func (x *Indexer) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := x.Apply(ctx, ev); err != nil {
				log.Error("indexer: apply event failed", "seq", ev.Seq, "type", ev.Type, "error", err.Error())
			}
		}
	}
}

// Apply 在同一個交易中記錄事件並更新工作投影；已套用過的 seq 直接略過
func (x *Indexer) Apply(ctx context.Context, ev events.Event) (err error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin index tx")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (seq, id, type, job_id, time_ms, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.ID.String(), string(ev.Type), uint64(ev.JobID), ev.Time, string(payload))
	if err != nil {
		return errors.Wrapf(err, "insert event seq=%d", ev.Seq)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		log.Debug("indexer: event already applied", "seq", ev.Seq)
		return tx.Commit()
	}

	if err = project(ctx, tx, ev); err != nil {
		return errors.Wrapf(err, "project %s seq=%d", ev.Type, ev.Seq)
	}
	return tx.Commit()
}

// project 依事件種類更新 jobs 表
func project(ctx context.Context, tx *sql.Tx, ev events.Event) error {
	id := uint64(ev.JobID)

	switch ev.Type {
	case events.TypeJobCreated:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, client, status, amount, metadata_ref, deadline_ms, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, string(ev.Client), types.StatusOpen.String(), amountText(ev.Amount), ev.MetadataRef, ev.Deadline, ev.Time, ev.Time)
		return err

	case events.TypeJobAccepted:
		return update(ctx, tx,
			`UPDATE jobs SET developer = ?, status = ?, updated_at = ? WHERE id = ?`,
			string(ev.Developer), types.StatusInProgress.String(), ev.Time, id)

	case events.TypeWorkSubmitted:
		return update(ctx, tx,
			`UPDATE jobs SET submission_ref = ?, status = ?, updated_at = ? WHERE id = ?`,
			ev.SubmissionRef, types.StatusSubmitted.String(), ev.Time, id)

	case events.TypeFullPaymentReleased:
		return update(ctx, tx,
			`UPDATE jobs SET status = ?, close_reason = ?, paid = ?, updated_at = ? WHERE id = ?`,
			types.StatusCompleted.String(), string(types.ReasonApproved), amountText(ev.TotalPaid), ev.Time, id)

	case events.TypePartialPaymentReleased:
		return update(ctx, tx,
			`UPDATE jobs SET status = ?, close_reason = ?, paid = ?, refunded = ?, updated_at = ? WHERE id = ?`,
			types.StatusCancelled.String(), string(types.ReasonRejected), amountText(ev.Payout), amountText(ev.Refund), ev.Time, id)

	case events.TypeJobCancelled:
		return update(ctx, tx,
			`UPDATE jobs SET status = ?, close_reason = ?, refunded = ?, updated_at = ? WHERE id = ?`,
			types.StatusCancelled.String(), string(ev.Reason), amountText(ev.Refund), ev.Time, id)
	}

	return errors.Newf("unknown event type %q", ev.Type)
}

// Rebase 以帳本目前的工作清單重寫 jobs 表，並記錄對應的事件序號
//
// 之後 LastSeq 至少為 seq，訂閱從 seq 之後接續
func (x *Indexer) Rebase(ctx context.Context, seq uint64, jobs []types.Job) (err error) {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin rebase tx")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return errors.Wrap(err, "clear jobs")
	}
	for _, job := range jobs {
		budget := job.Amount
		if job.Status.IsTerminal() {
			// 結束的工作金額已歸零，從鎖定總額還原預算
			if budget, err = money.BudgetFromTotal(job.OriginalAmount); err != nil {
				return errors.Wrapf(err, "job %d budget", job.ID)
			}
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO jobs (id, client, developer, status, amount, metadata_ref, submission_ref, close_reason,
				paid, refunded, deadline_ms, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uint64(job.ID), string(job.Client), string(job.Developer), job.Status.String(), budget.String(),
			job.MetadataRef, job.SubmissionRef, string(job.CloseReason), job.Paid.String(), job.Refunded.String(),
			job.Deadline, job.CreatedAt, job.UpdatedAt); err != nil {
			return errors.Wrapf(err, "insert job %d", job.ID)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO index_state (id, rebased_seq) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET rebased_seq = excluded.rebased_seq`, seq); err != nil {
		return errors.Wrap(err, "record rebase seq")
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit rebase")
	}

	log.Info("indexer: rebuilt job projection", "seq", seq, "jobs", len(jobs))
	return nil
}

func update(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("job not indexed")
	}
	return nil
}

func amountText(a *money.Amount) string {
	if a == nil {
		return "0"
	}
	return a.String()
}

// ============================================================================
// 查詢
// ============================================================================

// LastSeq 已套用的最大事件序號（含重建時的序號），用於重新訂閱
func (x *Indexer) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	if err := x.db.QueryRowContext(ctx, `SELECT MAX(
		(SELECT COALESCE(MAX(seq), 0) FROM events),
		(SELECT COALESCE(MAX(rebased_seq), 0) FROM index_state))`).Scan(&seq); err != nil {
		return 0, errors.Wrap(err, "query last seq")
	}
	return seq, nil
}

// Jobs 依條件列出工作，依 ID 遞增
func (x *Indexer) Jobs(ctx context.Context, q Query) ([]JobRow, error) {
	var (
		where []string
		args  []any
	)
	if q.Client.IsSet() {
		where = append(where, "client = ?")
		args = append(args, string(q.Client))
	}
	if q.Developer.IsSet() {
		where = append(where, "developer = ?")
		args = append(args, string(q.Developer))
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}

	query := `SELECT id, client, developer, status, amount, metadata_ref, submission_ref, close_reason,
		paid, refunded, deadline_ms, created_at, updated_at FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := x.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	out := make([]JobRow, 0)
	for rows.Next() {
		var r JobRow
		var id uint64
		var client, developer, reason string
		if err := rows.Scan(&id, &client, &developer, &r.Status, &r.Amount, &r.MetadataRef, &r.SubmissionRef,
			&reason, &r.Paid, &r.Refunded, &r.Deadline, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		r.ID = types.JobID(id)
		r.Client = types.Account(client)
		r.Developer = types.Account(developer)
		r.CloseReason = types.CloseReason(reason)
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

// ClientDashboard 客戶建立的工作依狀態計數
func (x *Indexer) ClientDashboard(ctx context.Context, client types.Account) (Dashboard, error) {
	return x.dashboard(ctx, "client", client)
}

// DeveloperDashboard 開發者承接的工作依狀態計數
func (x *Indexer) DeveloperDashboard(ctx context.Context, developer types.Account) (Dashboard, error) {
	return x.dashboard(ctx, "developer", developer)
}

func (x *Indexer) dashboard(ctx context.Context, column string, account types.Account) (Dashboard, error) {
	d := Dashboard{Account: account, Counts: make(map[string]int)}
	rows, err := x.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE `+column+` = ? GROUP BY status`, string(account))
	if err != nil {
		return d, errors.Wrap(err, "query dashboard")
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return d, errors.Wrap(err, "scan dashboard")
		}
		d.Counts[status] = n
		d.Total += n
	}
	return d, errors.Wrap(rows.Err(), "iterate dashboard")
}
