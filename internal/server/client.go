package server

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/escrow-ledger/internal/controller"
	"github.com/ChuLiYu/escrow-ledger/internal/events"
	"github.com/ChuLiYu/escrow-ledger/internal/money"
	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// Client EscrowService 的用戶端
type Client struct {
	conn   *grpc.ClientConn
	caller types.Account
}

// Dial 以不加密連線建立用戶端
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return &Client{conn: conn}, nil
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.conn.Close()
}

// As 回傳以 caller 身份呼叫的用戶端，共用同一條連線
func (c *Client) As(caller types.Account) *Client {
	return &Client{conn: c.conn, caller: caller}
}

// BalanceResult 帳戶餘額
type BalanceResult struct {
	Account types.Account `json:"account"`
	Balance money.Amount  `json:"balance"`
}

func (c *Client) CreateGig(ctx context.Context, metadataRef string, amount money.Amount, deadlineDays int, value money.Amount) (controller.Receipt, error) {
	var out controller.Receipt
	err := c.call(ctx, MethodCreateGig, createGigRequest{
		MetadataRef:  metadataRef,
		Amount:       amount,
		DeadlineDays: deadlineDays,
		Value:        value,
	}, &out)
	return out, err
}

func (c *Client) AcceptJob(ctx context.Context, id types.JobID) (controller.Receipt, error) {
	var out controller.Receipt
	err := c.call(ctx, MethodAcceptJob, jobRequest{ID: id}, &out)
	return out, err
}

func (c *Client) SubmitWork(ctx context.Context, id types.JobID, submissionRef string) (controller.Receipt, error) {
	var out controller.Receipt
	err := c.call(ctx, MethodSubmitWork, submitRequest{ID: id, SubmissionRef: submissionRef}, &out)
	return out, err
}

func (c *Client) ReleaseFullPayment(ctx context.Context, id types.JobID) (controller.Receipt, error) {
	var out controller.Receipt
	err := c.call(ctx, MethodReleaseFullPayment, jobRequest{ID: id}, &out)
	return out, err
}

func (c *Client) ReleasePartialPayment(ctx context.Context, id types.JobID, payout money.Amount) (controller.Receipt, error) {
	var out controller.Receipt
	err := c.call(ctx, MethodReleasePartialPayment, releasePartialRequest{ID: id, Payout: payout}, &out)
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, id types.JobID) (controller.Receipt, error) {
	var out controller.Receipt
	err := c.call(ctx, MethodCancelJob, jobRequest{ID: id}, &out)
	return out, err
}

func (c *Client) Deposit(ctx context.Context, amount money.Amount) (BalanceResult, error) {
	var out BalanceResult
	err := c.call(ctx, MethodDeposit, depositRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) GetJob(ctx context.Context, id types.JobID) (types.Job, error) {
	var out types.Job
	err := c.call(ctx, MethodGetJob, jobRequest{ID: id}, &out)
	return out, err
}

func (c *Client) GetJobMetadata(ctx context.Context, id types.JobID) (string, error) {
	var out struct {
		Ref string `json:"metadata_ref"`
	}
	err := c.call(ctx, MethodGetJobMetadata, jobRequest{ID: id}, &out)
	return out.Ref, err
}

func (c *Client) IsDeadlinePassed(ctx context.Context, id types.JobID) (bool, error) {
	var out struct {
		Passed bool `json:"passed"`
	}
	err := c.call(ctx, MethodIsDeadlinePassed, jobRequest{ID: id}, &out)
	return out.Passed, err
}

func (c *Client) NextJobID(ctx context.Context) (types.JobID, error) {
	var out struct {
		NextID types.JobID `json:"next_id"`
	}
	err := c.call(ctx, MethodNextJobID, struct{}{}, &out)
	return out.NextID, err
}

// ListJobs status 為空代表不過濾
func (c *Client) ListJobs(ctx context.Context, client, developer types.Account, status string, limit int) ([]types.Job, error) {
	var out struct {
		Jobs []types.Job `json:"jobs"`
	}
	err := c.call(ctx, MethodListJobs, listRequest{Client: client, Developer: developer, Status: status, Limit: limit}, &out)
	return out.Jobs, err
}

// Balance account 為空時查詢呼叫者
func (c *Client) Balance(ctx context.Context, account types.Account) (BalanceResult, error) {
	var out BalanceResult
	err := c.call(ctx, MethodBalance, accountRequest{Account: account}, &out)
	return out, err
}

func (c *Client) Quote(ctx context.Context, amount money.Amount) (money.Quote, error) {
	var out money.Quote
	err := c.call(ctx, MethodQuote, quoteRequest{Amount: amount}, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (controller.Status, error) {
	var out controller.Status
	err := c.call(ctx, MethodStatus, struct{}{}, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, since uint64) ([]events.Event, error) {
	var out struct {
		Events []events.Event `json:"events"`
	}
	err := c.call(ctx, MethodEvents, sinceRequest{Since: since}, &out)
	return out.Events, err
}

// Watch 串流序號大於 since 的事件，fn 回傳錯誤或 ctx 結束時停止
func (c *Client) Watch(ctx context.Context, since uint64, fn func(events.Event) error) error {
	in, err := encode(sinceRequest{Since: since})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.outgoing(ctx))
	defer cancel()

	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/"+MethodWatchEvents)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev events.Event
		if err := decodeInto(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if !c.caller.IsSet() {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, AccountKey, string(c.caller))
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.outgoing(ctx), "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return decodeInto(out, resp)
}

func decodeInto(msg *structpb.Struct, v any) error {
	data, err := protojson.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "decode response")
	}
	return errors.Wrap(json.Unmarshal(data, v), "decode response")
}
