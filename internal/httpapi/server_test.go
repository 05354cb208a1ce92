package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/indexer"
	"github.com/ChuLiYu/escrow-ledger/internal/metadata"
	"github.com/ChuLiYu/escrow-ledger/internal/metrics"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

type testEnv struct {
	t    *testing.T
	ctrl *controller.Controller
	docs *metadata.LocalStore
	idx  *indexer.Indexer
	srv  *httptest.Server
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	dir := t.TempDir()

	reg := prometheus.NewRegistry()
	ctrl, err := controller.NewController(controller.Config{
		WALPath:      filepath.Join(dir, "ledger.wal"),
		SnapshotPath: filepath.Join(dir, "ledger.snapshot"),
		Metrics:      metrics.NewCollectorWith(reg),
	})
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())
	t.Cleanup(ctrl.Stop)

	docs, err := metadata.NewLocalStore(filepath.Join(dir, "metadata"))
	require.NoError(t, err)

	idx, err := indexer.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	opts.Gatherer = reg
	opts.Index = idx
	srv := httptest.NewServer(New(ctrl, docs, opts).Router())
	t.Cleanup(srv.Close)

	return &testEnv{t: t, ctrl: ctrl, docs: docs, idx: idx, srv: srv}
}

// do 送出請求並把回應解碼為 JSON
func (e *testEnv) do(method, path, account string, body any) (int, map[string]any) {
	e.t.Helper()
	code, raw := e.raw(method, path, account, body)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(e.t, json.Unmarshal(raw, &out), string(raw))
	}
	return code, out
}

func (e *testEnv) raw(method, path, account string, body any) (int, []byte) {
	e.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(e.t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(e.t, err)
	if account != "" {
		req.Header.Set(AccountHeader, account)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp.StatusCode, data
}

func wei(t *testing.T, eth string) string {
	t.Helper()
	a, err := money.ParseEther(eth)
	require.NoError(t, err)
	return a.String()
}

// deposit 直接在帳本入金，不經過 HTTP
func (e *testEnv) deposit(account, eth string) {
	e.t.Helper()
	a, err := money.ParseEther(eth)
	require.NoError(e.t, err)
	_, err = e.ctrl.Deposit(context.Background(), types.Account(account), a)
	require.NoError(e.t, err)
}

func (e *testEnv) createGig(client, amountETH, valueETH string) float64 {
	e.t.Helper()
	code, body := e.do("POST", "/v1/jobs", client, map[string]any{
		"metadata_ref":  "QmJobSpec",
		"amount":        wei(e.t, amountETH),
		"deadline_days": 7,
		"value":         wei(e.t, valueETH),
	})
	require.Equal(e.t, http.StatusCreated, code, body)
	return body["job"].(map[string]any)["id"].(float64)
}

func TestHealthAndConfig(t *testing.T) {
	env := newEnv(t, Options{NetworkName: "sepolia", ChainID: "0xaa36a7"})

	code, body := env.do("GET", "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = env.do("GET", "/api/config", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sepolia", body["networkName"])
	assert.Equal(t, "0xaa36a7", body["chainId"])
	assert.Equal(t, "/v1/metadata/", body["metadataGateway"])
	assert.Equal(t, float64(500), body["holdBps"])
}

func TestEndToEndOverHTTP(t *testing.T) {
	env := newEnv(t, Options{})
	env.deposit("alice", "2")

	code, body := env.do("POST", "/v1/jobs", "alice", map[string]any{
		"metadata_ref":  "QmJobSpec",
		"amount":        wei(t, "1"),
		"deadline_days": 7,
		"value":         wei(t, "1.05"),
	})
	require.Equal(t, http.StatusCreated, code, body)
	job := body["job"].(map[string]any)
	assert.Equal(t, float64(0), job["id"])
	assert.Equal(t, "open", job["status"])
	assert.Equal(t, wei(t, "0.05"), job["security_hold"])

	code, body = env.do("POST", "/v1/jobs/0/accept", "bob", nil)
	require.Equal(t, http.StatusOK, code, body)

	code, body = env.do("POST", "/v1/jobs/0/submit", "bob", map[string]string{"submission_ref": "QmWork"})
	require.Equal(t, http.StatusOK, code, body)

	code, body = env.do("POST", "/v1/jobs/0/release", "alice", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, string(events.TypeFullPaymentReleased), body["event"].(map[string]any)["type"])

	code, body = env.do("GET", "/v1/jobs/0", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "0", body["amount"])

	_, body = env.do("GET", "/v1/accounts/bob/balance", "", nil)
	assert.Equal(t, wei(t, "1.05"), body["balance"])
	_, body = env.do("GET", "/v1/accounts/alice/balance", "", nil)
	assert.Equal(t, wei(t, "0.95"), body["balance"])

	code, body = env.do("POST", "/v1/jobs/0/release", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_state", body["kind"])

	code, body = env.do("POST", "/v1/jobs/0/release-partial", "alice", map[string]string{"payout": "1"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_state", body["kind"])
}

func TestErrorMapping(t *testing.T) {
	env := newEnv(t, Options{DemoMode: true})
	env.deposit("alice", "5")
	env.createGig("alice", "1", "1.05")

	tests := []struct {
		name     string
		method   string
		path     string
		account  string
		body     any
		wantCode int
		wantKind string
	}{
		{"missing account", "POST", "/v1/jobs/0/accept", "", nil, http.StatusUnauthorized, "missing_account"},
		{"unknown job", "GET", "/v1/jobs/42", "", nil, http.StatusNotFound, "job_not_found"},
		{"bad job id", "GET", "/v1/jobs/abc", "", nil, http.StatusBadRequest, "invalid_request"},
		{"self acceptance", "POST", "/v1/jobs/0/accept", "alice", nil, http.StatusForbidden, "self_acceptance"},
		{"not the client", "POST", "/v1/jobs/0/cancel", "mallory", nil, http.StatusForbidden, "unauthorized"},
		{"submit before accept", "POST", "/v1/jobs/0/submit", "bob", map[string]string{"submission_ref": "Qm"}, http.StatusForbidden, "unauthorized"},
		{"underpaid", "POST", "/v1/jobs", "alice", map[string]any{
			"metadata_ref": "Qm", "amount": wei(t, "1"), "deadline_days": 7, "value": wei(t, "1"),
		}, http.StatusPaymentRequired, "insufficient_funds"},
		{"balance too low", "POST", "/v1/jobs", "carol", map[string]any{
			"metadata_ref": "Qm", "amount": wei(t, "1"), "deadline_days": 7, "value": wei(t, "1.05"),
		}, http.StatusPaymentRequired, "balance_too_low"},
		{"bad deadline", "POST", "/v1/jobs", "alice", map[string]any{
			"metadata_ref": "Qm", "amount": wei(t, "1"), "deadline_days": 366, "value": wei(t, "1.05"),
		}, http.StatusBadRequest, "invalid_deadline"},
		{"empty metadata", "POST", "/v1/jobs", "alice", map[string]any{
			"metadata_ref": " ", "amount": wei(t, "1"), "deadline_days": 7, "value": wei(t, "1.05"),
		}, http.StatusBadRequest, "empty_metadata"},
		{"malformed amount", "POST", "/v1/jobs", "alice", `{"amount":"1.5"}`, http.StatusBadRequest, "invalid_amount"},
		{"malformed json", "POST", "/v1/jobs", "alice", `{`, http.StatusBadRequest, "invalid_request"},
		{"empty body", "POST", "/v1/jobs/0/submit", "bob", nil, http.StatusBadRequest, "invalid_request"},
		{"deposit for someone else", "POST", "/v1/accounts/bob/deposit", "alice", map[string]string{"amount": "1"}, http.StatusForbidden, "unauthorized"},
		{"zero deposit", "POST", "/v1/accounts/alice/deposit", "alice", map[string]string{"amount": "0"}, http.StatusBadRequest, "invalid_amount"},
		{"bad quote", "GET", "/v1/quote?amount=abc", "", nil, http.StatusBadRequest, "invalid_amount"},
		{"bad status filter", "GET", "/v1/jobs?status=archived", "", nil, http.StatusBadRequest, "invalid_request"},
		{"bad since", "GET", "/v1/events?since=-1", "", nil, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(tt.method, tt.path, tt.account, tt.body)
			assert.Equal(t, tt.wantCode, code, body)
			assert.Equal(t, tt.wantKind, body["kind"])
		})
	}

	// 失敗的請求不影響帳本
	assert.NoError(t, env.ctrl.CheckInvariants())
	assert.Equal(t, 1, env.ctrl.Stats().Total)
}

func TestPartialReleaseAndCancel(t *testing.T) {
	env := newEnv(t, Options{})
	env.deposit("alice", "10")
	env.createGig("alice", "1", "1.05")
	env.createGig("alice", "2", "3")

	env.do("POST", "/v1/jobs/0/accept", "bob", nil)
	env.do("POST", "/v1/jobs/0/submit", "bob", map[string]string{"submission_ref": "QmWork"})

	code, body := env.do("POST", "/v1/jobs/0/release-partial", "alice", map[string]string{"payout": wei(t, "1")})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "use_full_release", body["kind"])

	code, body = env.do("POST", "/v1/jobs/0/release-partial", "alice", map[string]string{"payout": wei(t, "0.4")})
	require.Equal(t, http.StatusOK, code, body)
	ev := body["event"].(map[string]any)
	assert.Equal(t, wei(t, "0.4"), ev["payout"])
	assert.Equal(t, wei(t, "0.65"), ev["refund"])

	code, body = env.do("POST", "/v1/jobs/1/cancel", "alice", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "withdrawn", body["event"].(map[string]any)["reason"])

	_, body = env.do("GET", "/v1/accounts/alice/balance", "", nil)
	// 10 - 1.05 + 0.65 - 2.1 + 2.1，多付的 0.9 在建立時即退還
	assert.Equal(t, wei(t, "9.6"), body["balance"])
	assert.NoError(t, env.ctrl.CheckInvariants())
}

func TestListJobsAndDeadline(t *testing.T) {
	env := newEnv(t, Options{})
	env.deposit("alice", "5")
	env.deposit("carol", "5")
	env.createGig("alice", "1", "1.05")
	env.createGig("carol", "1", "1.05")
	env.createGig("alice", "1", "1.05")
	env.do("POST", "/v1/jobs/2/accept", "bob", nil)

	code, raw := env.raw("GET", "/v1/jobs?client=alice", "", nil)
	require.Equal(t, http.StatusOK, code)
	var jobs []map[string]any
	require.NoError(t, json.Unmarshal(raw, &jobs))
	require.Len(t, jobs, 2)
	assert.Equal(t, float64(0), jobs[0]["id"])
	assert.Equal(t, float64(2), jobs[1]["id"])

	_, raw = env.raw("GET", "/v1/jobs?status=in_progress", "", nil)
	require.NoError(t, json.Unmarshal(raw, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "bob", jobs[0]["developer"])

	_, raw = env.raw("GET", "/v1/jobs?offset=1&limit=1", "", nil)
	require.NoError(t, json.Unmarshal(raw, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, float64(1), jobs[0]["id"])

	code, body := env.do("GET", "/v1/jobs/1/deadline", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["passed"])
	assert.NotZero(t, body["deadline_ms"])
}

func TestMetadataEndpoints(t *testing.T) {
	env := newEnv(t, Options{})

	code, body := env.do("POST", "/v1/metadata", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_document", body["kind"])

	code, body = env.do("POST", "/v1/metadata", "", map[string]any{"metadata": map[string]any{"title": "x"}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_metadata", body["kind"])

	doc := map[string]any{"title": "Build API", "shortDesc": "REST endpoints", "skills": []string{"go"}}
	code, body = env.do("POST", "/v1/metadata", "", map[string]any{"metadata": doc})
	require.Equal(t, http.StatusCreated, code, body)
	ref := body["hash"].(string)
	assert.True(t, strings.HasPrefix(ref, "Qm"))
	assert.Equal(t, "/v1/metadata/"+ref, body["url"])

	code, body = env.do("GET", "/v1/metadata/"+ref, "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Build API", body["metadata"].(map[string]any)["title"])

	missing := metadata.ComputeRef([]byte(`{"title":"other"}`))
	code, body = env.do("GET", "/v1/metadata/"+missing, "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "metadata_not_found", body["kind"])

	code, body = env.do("GET", "/v1/metadata/not-a-ref", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_ref", body["kind"])

	// 工作的描述參照指向本地文件時，一併回傳內容
	env.deposit("alice", "2")
	code, body = env.do("POST", "/v1/jobs", "alice", map[string]any{
		"metadata_ref": "ipfs://" + ref, "amount": wei(t, "1"), "deadline_days": 7, "value": wei(t, "1.05"),
	})
	require.Equal(t, http.StatusCreated, code, body)

	code, body = env.do("GET", "/v1/jobs/0/metadata", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ipfs://"+ref, body["metadata_ref"])
	assert.Equal(t, "REST endpoints", body["metadata"].(map[string]any)["shortDesc"])
}

func TestQuote(t *testing.T) {
	env := newEnv(t, Options{})

	code, body := env.do("GET", "/v1/quote?amount="+wei(t, "1"), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, wei(t, "0.05"), body["security_hold"])
	assert.Equal(t, wei(t, "1.05"), body["total_required"])
}

func TestWriteRateLimit(t *testing.T) {
	env := newEnv(t, Options{WriteRate: 0.001, WriteBurst: 2, DemoMode: true})

	for i := 0; i < 2; i++ {
		code, _ := env.do("POST", "/v1/accounts/alice/deposit", "alice", map[string]string{"amount": "1"})
		require.Equal(t, http.StatusOK, code)
	}
	code, body := env.do("POST", "/v1/accounts/alice/deposit", "alice", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "rate_limited", body["kind"])

	// 每個帳戶各自計算
	code, _ = env.do("POST", "/v1/accounts/bob/deposit", "bob", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusOK, code)

	// 讀取不受限制
	_, body = env.do("GET", "/v1/accounts/alice/balance", "", nil)
	assert.Equal(t, "2", body["balance"])
}

func TestDepositRequiresDemoMode(t *testing.T) {
	env := newEnv(t, Options{})

	code, body := env.do("POST", "/v1/accounts/alice/deposit", "alice", map[string]string{"amount": wei(t, "100")})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "demo_only", body["kind"])
	assert.True(t, env.ctrl.Balance("alice").IsZero())

	demo := newEnv(t, Options{DemoMode: true})
	code, body = demo.do("POST", "/v1/accounts/alice/deposit", "alice", map[string]string{"amount": wei(t, "100")})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, wei(t, "100"), body["balance"])
}

func TestCORS(t *testing.T) {
	env := newEnv(t, Options{AllowedOrigins: []string{"http://localhost:5173"}})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/v1/jobs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), AccountHeader)

	req, err = http.NewRequest(http.MethodGet, env.srv.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestDashboard(t *testing.T) {
	env := newEnv(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.idx.Run(ctx, env.ctrl.Subscribe(0))

	env.deposit("alice", "5")
	env.createGig("alice", "1", "1.05")
	env.createGig("alice", "1", "1.05")
	env.do("POST", "/v1/jobs/1/accept", "bob", nil)

	require.Eventually(t, func() bool {
		seq, err := env.idx.LastSeq(ctx)
		return err == nil && seq == 3
	}, 2*time.Second, 10*time.Millisecond)

	code, body := env.do("GET", "/v1/accounts/alice/dashboard", "", nil)
	require.Equal(t, http.StatusOK, code, body)
	dash := body["dashboard"].(map[string]any)
	assert.Equal(t, float64(2), dash["total"])
	assert.Equal(t, map[string]any{"open": float64(1), "in_progress": float64(1)}, dash["counts"])
	assert.Len(t, body["jobs"], 2)

	code, body = env.do("GET", "/v1/accounts/bob/dashboard?role=developer", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["dashboard"].(map[string]any)["total"])

	code, body = env.do("GET", "/v1/accounts/bob/dashboard?role=arbiter", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["kind"])
}

func TestEventsAndStream(t *testing.T) {
	env := newEnv(t, Options{})
	env.deposit("alice", "5")
	env.createGig("alice", "1", "1.05")

	code, raw := env.raw("GET", "/v1/events?since=0", "", nil)
	require.Equal(t, http.StatusOK, code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(raw, &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeJobCreated, evs[0].Type)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events/ws?since=0"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	read := func() events.Event {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ev events.Event
		require.NoError(t, conn.ReadJSON(&ev))
		return ev
	}

	// 先補發保留的事件
	first := read()
	assert.Equal(t, events.TypeJobCreated, first.Type)
	assert.Equal(t, evs[0].ID, first.ID)

	env.do("POST", "/v1/jobs/0/accept", "bob", nil)
	second := read()
	assert.Equal(t, events.TypeJobAccepted, second.Type)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, "bob", string(second.Developer))
}

func TestMetricsAndStatus(t *testing.T) {
	env := newEnv(t, Options{})
	env.deposit("alice", "2")
	env.createGig("alice", "1", "1.05")

	code, raw := env.raw("GET", "/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(raw), `escrow_operations_total{op="create_gig",outcome="ok"} 1`)

	code, body := env.do("GET", "/v1/status", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, wei(t, "1.05"), body["held"])
	assert.Equal(t, float64(1), body["jobs"].(map[string]any)["open"])
}
