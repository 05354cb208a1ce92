// ============================================================================
// Escrow Ledger HTTP API - JSON 介面
// ============================================================================
//
// Package: internal/httpapi
// 文件: server.go
// 功能: 以 chi 路由提供帳本操作、內容定址文件、事件串流與系統資訊
//
// 路由:
//   GET  /api/health                      健康檢查
//   GET  /api/config                      網路與閘道設定
//   GET  /metrics                         Prometheus 指標
//   POST /v1/metadata                     保存 {"metadata": {...}}，回傳參照
//   GET  /v1/metadata/{ref}               讀取文件
//   GET  /v1/jobs                         列表（client / developer / status / offset / limit）
//   POST /v1/jobs                         建立工作
//   GET  /v1/jobs/{id}[/metadata|/deadline]
//   POST /v1/jobs/{id}/{accept|submit|release|release-partial|cancel}
//   GET  /v1/quote?amount=                保證金預覽
//   GET  /v1/accounts/{account}/balance
//   POST /v1/accounts/{account}/deposit   測試入金，只在展示模式提供
//   GET  /v1/accounts/{account}/dashboard?role=client|developer
//   GET  /v1/events?since=                保留範圍內的事件
//   GET  /v1/events/ws?since=             WebSocket 事件串流
//   GET  /v1/status                       系統狀態
//
// 身份:
//   寫入操作以 X-Account 標頭識別呼叫者，帳本負責授權檢查。
//   標頭沒有經過驗證，只適合本機或展示環境，對外時必須放在可信的閘道之後
//
// 金額:
//   所有金額皆為最小單位（wei）的十進位字串
//
// ============================================================================

package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/indexer"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/metadata"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var log = slog.Default()

// AccountHeader 呼叫者身份標頭
const AccountHeader = "X-Account"

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Ledger HTTP 層使用的帳本操作，*controller.Controller 實作此介面
type Ledger interface {
	CreateGig(ctx context.Context, caller types.Account, metadataRef string, amount money.Amount, deadlineDays int, value money.Amount) (controller.Receipt, error)
	AcceptJob(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error)
	SubmitWork(ctx context.Context, id types.JobID, caller types.Account, submissionRef string) (controller.Receipt, error)
	ReleaseFullPayment(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error)
	ReleasePartialPayment(ctx context.Context, id types.JobID, caller types.Account, payout money.Amount) (controller.Receipt, error)
	CancelJob(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error)
	Deposit(ctx context.Context, account types.Account, amount money.Amount) (money.Amount, error)

	GetJob(id types.JobID) (types.Job, error)
	GetJobMetadata(id types.JobID) (string, error)
	IsDeadlinePassed(id types.JobID) (bool, error)
	ListJobs(f jobmanager.Filter) []types.Job
	Balance(account types.Account) money.Amount
	Quote(amount money.Amount) (money.Quote, error)
	Events(since uint64) []events.Event
	Subscribe(since uint64) *events.Subscription
	GetStatus() controller.Status
}

// Options 伺服器選項，零值可用
type Options struct {
	NetworkName    string   // /api/config 回報的網路名稱
	ChainID        string   // /api/config 回報的鏈 ID
	DemoMode       bool     // 展示模式：開放入金，並由 /api/config 回報
	Gateway        string   // 文件參照的 URL 前綴，預設 "/v1/metadata/"
	AllowedOrigins []string // CORS 與 WebSocket 允許的來源，空代表全部允許

	WriteRate  float64 // 每個帳戶每秒允許的寫入次數，<= 0 不限制
	WriteBurst int     // 突發容量，<= 0 時為 1

	Gatherer prometheus.Gatherer // nil 時使用 prometheus.DefaultGatherer
	Index    *indexer.Indexer    // nil 時儀表板回傳 501
	Clock    func() time.Time
}

// Server HTTP API
type Server struct {
	ledger Ledger
	docs   metadata.Store
	opts   Options
	now    func() time.Time

	upgrader websocket.Upgrader

	limMu    sync.Mutex
	limiters map[types.Account]*rate.Limiter
}

// New 建立 HTTP API
func New(ledger Ledger, docs metadata.Store, opts Options) *Server {
	if opts.Gateway == "" {
		opts.Gateway = "/v1/metadata/"
	}
	if opts.NetworkName == "" {
		opts.NetworkName = "local"
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 1
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	s := &Server{
		ledger:   ledger,
		docs:     docs,
		opts:     opts,
		now:      now,
		limiters: make(map[types.Account]*rate.Limiter),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Router 建立路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/config", s.handleConfig)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.opts.Gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/metadata", s.handlePutMetadata)
		r.Get("/metadata/{ref}", s.handleGetMetadata)

		r.Get("/jobs", s.handleListJobs)
		r.With(s.writer).Post("/jobs", s.handleCreateGig)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/metadata", s.handleJobMetadata)
			r.Get("/deadline", s.handleDeadline)

			r.Group(func(r chi.Router) {
				r.Use(s.writer)
				r.Post("/accept", s.handleAccept)
				r.Post("/submit", s.handleSubmit)
				r.Post("/release", s.handleRelease)
				r.Post("/release-partial", s.handleReleasePartial)
				r.Post("/cancel", s.handleCancel)
			})
		})

		r.Get("/quote", s.handleQuote)
		r.Get("/accounts/{account}/balance", s.handleBalance)
		r.With(s.writer).Post("/accounts/{account}/deposit", s.handleDeposit)
		r.Get("/accounts/{account}/dashboard", s.handleDashboard)

		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventStream)
		r.Get("/status", s.handleStatus)
	})

	return r
}

// ============================================================================
// 中介層
// ============================================================================

type callerKey struct{}

// writer 要求 X-Account 並套用每個帳戶的寫入速率限制
func (s *Server) writer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := types.Account(strings.TrimSpace(r.Header.Get(AccountHeader)))
		if !caller.IsSet() {
			writeErr(w, errMissingAccount)
			return
		}
		if !s.allow(caller) {
			w.Header().Set("Retry-After", "1")
			writeErr(w, errors.Wrapf(errRateLimited, "account %s", caller))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(r *http.Request) types.Account {
	caller, _ := r.Context().Value(callerKey{}).(types.Account)
	return caller
}

func (s *Server) allow(caller types.Account) bool {
	if s.opts.WriteRate <= 0 {
		return true
	}
	s.limMu.Lock()
	lim, ok := s.limiters[caller]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.opts.WriteRate), s.opts.WriteBurst)
		s.limiters[caller] = lim
	}
	s.limMu.Unlock()
	return lim.Allow()
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+AccountHeader)
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// 系統資訊
// ============================================================================

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "escrow ledger is running",
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chainId":         s.opts.ChainID,
		"networkName":     s.opts.NetworkName,
		"demoMode":        s.opts.DemoMode,
		"metadataGateway": s.opts.Gateway,
		"holdBps":         money.HoldBPS,
		"minDeadlineDays": jobmanager.MinDeadlineDays,
		"maxDeadlineDays": jobmanager.MaxDeadlineDays,
		"timestamp":       s.timestamp(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.GetStatus())
}

// ============================================================================
// 內容定址文件
// ============================================================================

func (s *Server) handlePutMetadata(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if len(req.Metadata) == 0 || string(req.Metadata) == "null" {
		writeErr(w, errors.Wrap(metadata.ErrInvalidDocument, "metadata is required"))
		return
	}
	if err := metadata.Validate(req.Metadata); err != nil {
		writeErr(w, err)
		return
	}

	ref, err := s.docs.Put(r.Context(), req.Metadata)
	if err != nil {
		writeErr(w, err)
		return
	}
	log.Info("metadata stored", "ref", ref)

	writeJSON(w, http.StatusCreated, map[string]any{
		"hash":      ref,
		"url":       s.opts.Gateway + ref,
		"gateway":   s.opts.Gateway,
		"timestamp": s.timestamp(),
	})
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	doc, err := s.docs.Get(r.Context(), ref)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cid":       ref,
		"metadata":  json.RawMessage(doc),
		"timestamp": s.timestamp(),
	})
}

// ============================================================================
// 工作查詢
// ============================================================================

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobmanager.Filter{
		Client:    types.Account(strings.TrimSpace(q.Get("client"))),
		Developer: types.Account(strings.TrimSpace(q.Get("developer"))),
		Limit:     defaultListLimit,
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, err := types.ParseStatus(raw)
		if err != nil {
			writeErr(w, errors.Mark(err, errBadRequest))
			return
		}
		f.Status = &status
	}
	var err error
	if f.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeErr(w, err)
		return
	}
	if f.Limit, err = intParam(q.Get("limit"), defaultListLimit); err != nil {
		writeErr(w, err)
		return
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}

	writeJSON(w, http.StatusOK, s.ledger.ListJobs(f))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.ledger.GetJob(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobMetadata 回傳工作的描述參照；文件在本地儲存中時一併回傳內容
func (s *Server) handleJobMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	ref, err := s.ledger.GetJobMetadata(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{"id": id, "metadata_ref": ref}
	if doc, err := s.docs.Get(r.Context(), ref); err == nil {
		resp["metadata"] = json.RawMessage(doc)
	} else if !errors.Is(err, metadata.ErrNotFound) && !errors.Is(err, metadata.ErrInvalidRef) {
		log.Warn("failed to resolve job metadata", "job_id", id, "ref", ref, "error", err.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadline(w http.ResponseWriter, r *http.Request) {
	id, err := jobID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := s.ledger.GetJob(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	passed, err := s.ledger.IsDeadlinePassed(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"deadline_ms": job.Deadline,
		"passed":      passed,
	})
}

// ============================================================================
// 工作寫入
// ============================================================================

type createGigRequest struct {
	MetadataRef  string       `json:"metadata_ref"`
	Amount       money.Amount `json:"amount"`
	DeadlineDays int          `json:"deadline_days"`
	Value        money.Amount `json:"value"`
}

func (s *Server) handleCreateGig(w http.ResponseWriter, r *http.Request) {
	var req createGigRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	receipt, err := s.ledger.CreateGig(r.Context(), callerFrom(r), req.MetadataRef, req.Amount, req.DeadlineDays, req.Value)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+receipt.Job.ID.String())
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error) {
		return s.ledger.AcceptJob(ctx, id, caller)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubmissionRef string `json:"submission_ref"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	s.jobAction(w, r, func(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error) {
		return s.ledger.SubmitWork(ctx, id, caller, req.SubmissionRef)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error) {
		return s.ledger.ReleaseFullPayment(ctx, id, caller)
	})
}

func (s *Server) handleReleasePartial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payout money.Amount `json:"payout"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	s.jobAction(w, r, func(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error) {
		return s.ledger.ReleasePartialPayment(ctx, id, caller, req.Payout)
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, func(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error) {
		return s.ledger.CancelJob(ctx, id, caller)
	})
}

type actionFunc func(ctx context.Context, id types.JobID, caller types.Account) (controller.Receipt, error)

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, fn actionFunc) {
	id, err := jobID(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	receipt, err := fn(r.Context(), id, callerFrom(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// ============================================================================
// 帳戶與預覽
// ============================================================================

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := money.Parse(strings.TrimSpace(r.URL.Query().Get("amount")))
	if err != nil {
		writeErr(w, err)
		return
	}
	quote, err := s.ledger.Quote(amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := types.Account(chi.URLParam(r, "account"))
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": s.ledger.Balance(account),
	})
}

// handleDeposit 只在展示模式提供，且只允許帳戶為自己入金
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if !s.opts.DemoMode {
		writeErr(w, errDemoOnly)
		return
	}
	account := types.Account(chi.URLParam(r, "account"))
	if account != callerFrom(r) {
		writeErr(w, errors.Wrapf(jobmanager.ErrUnauthorized, "%s cannot deposit to %s", callerFrom(r), account))
		return
	}
	var req struct {
		Amount money.Amount `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	balance, err := s.ledger.Deposit(r.Context(), account, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": balance,
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.opts.Index == nil {
		writeErr(w, errNoIndex)
		return
	}
	account := types.Account(chi.URLParam(r, "account"))
	ctx := r.Context()

	var (
		dash indexer.Dashboard
		q    indexer.Query
		err  error
	)
	switch role := r.URL.Query().Get("role"); role {
	case "", "client":
		dash, err = s.opts.Index.ClientDashboard(ctx, account)
		q.Client = account
	case "developer":
		dash, err = s.opts.Index.DeveloperDashboard(ctx, account)
		q.Developer = account
	default:
		writeErr(w, errors.Wrapf(errBadRequest, "unknown role %q", role))
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	jobs, err := s.opts.Index.Jobs(ctx, q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dashboard": dash,
		"jobs":      jobs,
	})
}

// ============================================================================
// 事件
// ============================================================================

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since, err := sinceParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ledger.Events(since))
}

// ============================================================================
// 輔助函式
// ============================================================================

func decodeBody(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, metadata.MaxDocumentSize+1024)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.Wrap(errBadRequest, "request body required")
		}
		if jobmanager.Kind(err) != "internal" {
			return err
		}
		return errors.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}

func jobID(r *http.Request) (types.JobID, error) {
	id, err := types.ParseJobID(chi.URLParam(r, "id"))
	if err != nil {
		return 0, errors.Mark(err, errBadRequest)
	}
	return id, nil
}

func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(errBadRequest, "invalid integer %q", raw)
	}
	return n, nil
}

func sinceParam(r *http.Request) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errBadRequest, "invalid since %q", raw)
	}
	return n, nil
}
