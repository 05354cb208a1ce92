package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服務全名
const ServiceName = "escrow.v1.EscrowService"

// 方法名稱
const (
	MethodCreateGig             = "CreateGig"
	MethodAcceptJob             = "AcceptJob"
	MethodSubmitWork            = "SubmitWork"
	MethodReleaseFullPayment    = "ReleaseFullPayment"
	MethodReleasePartialPayment = "ReleasePartialPayment"
	MethodCancelJob             = "CancelJob"
	MethodDeposit               = "Deposit"
	MethodGetJob                = "GetJob"
	MethodGetJobMetadata        = "GetJobMetadata"
	MethodIsDeadlinePassed      = "IsDeadlinePassed"
	MethodNextJobID             = "NextJobID"
	MethodListJobs              = "ListJobs"
	MethodBalance               = "Balance"
	MethodQuote                 = "Quote"
	MethodStatus                = "Status"
	MethodEvents                = "Events"
	MethodWatchEvents           = "WatchEvents"
)

// EscrowServiceServer 服務實作
//
// 所有訊息都是 google.protobuf.Struct，欄位與 HTTP API 的 JSON 相同
type EscrowServiceServer interface {
	CreateGig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcceptJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitWork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseFullPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleasePartialPayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Deposit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobMetadata(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsDeadlinePassed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	NextJobID(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Balance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Quote(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Events(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(EscrowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unary 建立一元方法描述
func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(EscrowServiceServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(EscrowServiceServer).WatchEvents(in, stream)
}

// ServiceDesc 服務描述，不依賴程式碼產生器
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EscrowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodCreateGig, EscrowServiceServer.CreateGig),
		unary(MethodAcceptJob, EscrowServiceServer.AcceptJob),
		unary(MethodSubmitWork, EscrowServiceServer.SubmitWork),
		unary(MethodReleaseFullPayment, EscrowServiceServer.ReleaseFullPayment),
		unary(MethodReleasePartialPayment, EscrowServiceServer.ReleasePartialPayment),
		unary(MethodCancelJob, EscrowServiceServer.CancelJob),
		unary(MethodDeposit, EscrowServiceServer.Deposit),
		unary(MethodGetJob, EscrowServiceServer.GetJob),
		unary(MethodGetJobMetadata, EscrowServiceServer.GetJobMetadata),
		unary(MethodIsDeadlinePassed, EscrowServiceServer.IsDeadlinePassed),
		unary(MethodNextJobID, EscrowServiceServer.NextJobID),
		unary(MethodListJobs, EscrowServiceServer.ListJobs),
		unary(MethodBalance, EscrowServiceServer.Balance),
		unary(MethodQuote, EscrowServiceServer.Quote),
		unary(MethodStatus, EscrowServiceServer.Status),
		unary(MethodEvents, EscrowServiceServer.Events),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

// RegisterEscrowServiceServer 註冊服務
func RegisterEscrowServiceServer(s grpc.ServiceRegistrar, srv EscrowServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
