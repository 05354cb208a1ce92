// ============================================================================
// Escrow Ledger gRPC 服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 提供帳本操作，CLI 透過 Client 呼叫
//
// 訊息格式:
//   請求與回應皆為 google.protobuf.Struct，欄位與 HTTP API 的 JSON 相同
//   金額為最小單位的十進位字串
//
// 身份:
//   metadata "x-account" 識別呼叫者
//
// 錯誤:
//   帳本錯誤轉為 gRPC 狀態碼，並附帶 ErrorInfo{Reason: kind}
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/jobmanager"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

var log = slog.Default()

// AccountKey 呼叫者身份的 metadata 鍵
const AccountKey = "x-account"

// ErrorDomain ErrorInfo 的網域
const ErrorDomain = "escrow.v1"

var errMissingAccount = errors.New("x-account metadata required")

// Ledger gRPC 層使用的帳本操作，*controller.Controller 實作此介面
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
	NextJobID() types.JobID
	ListJobs(f jobmanager.Filter) []types.Job
	Balance(account types.Account) money.Amount
	Quote(amount money.Amount) (money.Quote, error)
	Events(since uint64) []events.Event
	Subscribe(since uint64) *events.Subscription
	GetStatus() controller.Status
}

// Server EscrowService 實作
type Server struct {
	ledger Ledger
}

// NewServer 建立服務實作
func NewServer(ledger Ledger) *Server {
	return &Server{ledger: ledger}
}

// NewGRPCServer 建立已註冊服務與日誌攔截器的 gRPC 伺服器
func NewGRPCServer(ledger Ledger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingInterceptor),
	}, opts...)
	gs := grpc.NewServer(opts...)
	RegisterEscrowServiceServer(gs, NewServer(ledger))
	return gs
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	attrs := []any{"method", info.FullMethod, "code", code.String(), "duration", time.Since(start)}
	switch code {
	case codes.OK:
		log.Debug("grpc call", attrs...)
	case codes.Internal, codes.Unknown:
		log.Error("grpc call failed", append(attrs, "error", err.Error())...)
	default:
		log.Info("grpc call rejected", append(attrs, "error", err.Error())...)
	}
	return resp, err
}

// ============================================================================
// 請求格式
// ============================================================================

type jobRequest struct {
	ID types.JobID `json:"id"`
}

type createGigRequest struct {
	MetadataRef  string       `json:"metadata_ref"`
	Amount       money.Amount `json:"amount"`
	DeadlineDays int          `json:"deadline_days"`
	Value        money.Amount `json:"value"`
}

type submitRequest struct {
	ID            types.JobID `json:"id"`
	SubmissionRef string      `json:"submission_ref"`
}

type releasePartialRequest struct {
	ID     types.JobID  `json:"id"`
	Payout money.Amount `json:"payout"`
}

type depositRequest struct {
	Amount money.Amount `json:"amount"`
}

type accountRequest struct {
	Account types.Account `json:"account"`
}

type quoteRequest struct {
	Amount money.Amount `json:"amount"`
}

type listRequest struct {
	Client    types.Account `json:"client"`
	Developer types.Account `json:"developer"`
	Status    string        `json:"status"`
	Offset    int           `json:"offset"`
	Limit     int           `json:"limit"`
}

type sinceRequest struct {
	Since uint64 `json:"since"`
}

// ============================================================================
// 寫入
// ============================================================================

func (s *Server) CreateGig(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req createGigRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	return reply(s.ledger.CreateGig(ctx, caller, req.MetadataRef, req.Amount, req.DeadlineDays, req.Value))
}

func (s *Server) AcceptJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	return reply(s.ledger.AcceptJob(ctx, req.ID, caller))
}

func (s *Server) SubmitWork(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req submitRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	return reply(s.ledger.SubmitWork(ctx, req.ID, caller, req.SubmissionRef))
}

func (s *Server) ReleaseFullPayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	return reply(s.ledger.ReleaseFullPayment(ctx, req.ID, caller))
}

func (s *Server) ReleasePartialPayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req releasePartialRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	return reply(s.ledger.ReleasePartialPayment(ctx, req.ID, caller, req.Payout))
}

func (s *Server) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	return reply(s.ledger.CancelJob(ctx, req.ID, caller))
}

// Deposit 呼叫者為自己入金
func (s *Server) Deposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req depositRequest
	caller, err := prepare(ctx, in, &req, true)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Deposit(ctx, caller, req.Amount)
	return reply(map[string]any{"account": caller, "balance": balance}, err)
}

// ============================================================================
// 查詢
// ============================================================================

func (s *Server) GetJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	if _, err := prepare(ctx, in, &req, false); err != nil {
		return nil, err
	}
	return reply(s.ledger.GetJob(req.ID))
}

func (s *Server) GetJobMetadata(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	if _, err := prepare(ctx, in, &req, false); err != nil {
		return nil, err
	}
	ref, err := s.ledger.GetJobMetadata(req.ID)
	return reply(map[string]any{"id": req.ID, "metadata_ref": ref}, err)
}

func (s *Server) IsDeadlinePassed(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRequest
	if _, err := prepare(ctx, in, &req, false); err != nil {
		return nil, err
	}
	passed, err := s.ledger.IsDeadlinePassed(req.ID)
	return reply(map[string]any{"id": req.ID, "passed": passed}, err)
}

func (s *Server) NextJobID(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{"next_id": s.ledger.NextJobID()}, nil)
}

func (s *Server) ListJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listRequest
	if _, err := prepare(ctx, in, &req, false); err != nil {
		return nil, err
	}
	f := jobmanager.Filter{Client: req.Client, Developer: req.Developer, Offset: req.Offset, Limit: req.Limit}
	if req.Status != "" {
		st, err := types.ParseStatus(req.Status)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		f.Status = &st
	}
	return reply(map[string]any{"jobs": s.ledger.ListJobs(f)}, nil)
}

// Balance 未指定帳戶時查詢呼叫者
func (s *Server) Balance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req accountRequest
	caller, err := prepare(ctx, in, &req, false)
	if err != nil {
		return nil, err
	}
	account := req.Account
	if !account.IsSet() {
		account = caller
	}
	if !account.IsSet() {
		return nil, toStatus(errMissingAccount)
	}
	return reply(map[string]any{"account": account, "balance": s.ledger.Balance(account)}, nil)
}

func (s *Server) Quote(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req quoteRequest
	if _, err := prepare(ctx, in, &req, false); err != nil {
		return nil, err
	}
	return reply(s.ledger.Quote(req.Amount))
}

func (s *Server) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.ledger.GetStatus(), nil)
}

func (s *Server) Events(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req sinceRequest
	if _, err := prepare(ctx, in, &req, false); err != nil {
		return nil, err
	}
	return reply(map[string]any{"events": s.ledger.Events(req.Since)}, nil)
}

// WatchEvents 串流序號大於 since 的事件，直到用戶端取消
func (s *Server) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req sinceRequest
	if _, err := prepare(stream.Context(), in, &req, false); err != nil {
		return err
	}

	sub := s.ledger.Subscribe(req.Since)
	defer sub.Close()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			msg, err := encode(ev)
			if err != nil {
				return toStatus(err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

// ============================================================================
// 轉換
// ============================================================================

// prepare 解析請求並取得呼叫者；needCaller 時缺少身份回傳 Unauthenticated
func prepare(ctx context.Context, in *structpb.Struct, v any, needCaller bool) (types.Account, error) {
	if err := decode(in, v); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	caller := callerFrom(ctx)
	if needCaller && !caller.IsSet() {
		return "", toStatus(errMissingAccount)
	}
	return caller, nil
}

func callerFrom(ctx context.Context) types.Account {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return types.NoAccount
	}
	vals := md.Get(AccountKey)
	if len(vals) == 0 {
		return types.NoAccount
	}
	return types.Account(vals[0])
}

func decode(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, errors.Wrap(err, "convert response")
	}
	return out, nil
}

func reply[T any](v T, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encode(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// codeByKind 帳本錯誤代碼對應的 gRPC 狀態碼
var codeByKind = map[string]codes.Code{
	"job_not_found":       codes.NotFound,
	"unauthorized":        codes.PermissionDenied,
	"self_acceptance":     codes.PermissionDenied,
	"invalid_state":       codes.FailedPrecondition,
	"stale_plan":          codes.Aborted,
	"recipient_rejected":  codes.FailedPrecondition,
	"insufficient_funds":  codes.FailedPrecondition,
	"balance_too_low":     codes.FailedPrecondition,
	"empty_submission":    codes.InvalidArgument,
	"empty_metadata":      codes.InvalidArgument,
	"invalid_amount":      codes.InvalidArgument,
	"invalid_deadline":    codes.InvalidArgument,
	"zero_payout":         codes.InvalidArgument,
	"use_full_release":    codes.InvalidArgument,
	"arithmetic_overflow": codes.InvalidArgument,
}

// toStatus 將錯誤轉為帶有 ErrorInfo 的 gRPC 狀態
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	var (
		code codes.Code
		kind string
	)
	switch {
	case errors.Is(err, errMissingAccount):
		code, kind = codes.Unauthenticated, "missing_account"
	case errors.Is(err, controller.ErrStopped):
		code, kind = codes.Unavailable, "unavailable"
	default:
		kind = jobmanager.Kind(err)
		c, ok := codeByKind[kind]
		if !ok {
			log.Error("internal error", "error", err.Error())
			return status.Error(codes.Internal, "internal error")
		}
		code = c
	}

	st := status.New(code, err.Error())
	if detailed, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: kind, Domain: ErrorDomain}); derr == nil {
		st = detailed
	}
	return st.Err()
}

// Kind 取出錯誤的穩定代碼（來自 ErrorInfo），沒有時回傳空字串
func Kind(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == ErrorDomain {
			return info.Reason
		}
	}
	return ""
}
