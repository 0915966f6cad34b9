package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"brokersim/internal/broker"
	"brokersim/internal/domain"
	"brokersim/internal/engine"
	"brokersim/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "brokersim.v1.Fulfillment"

// FulfillmentServer is the admin surface of the fulfillment daemon.
type FulfillmentServer interface {
	RunPass(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetOrder(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// unary builds a method descriptor decoding Req and dispatching to call.
func unary[Req any](name string, call func(FulfillmentServer, context.Context, *Req) (any, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(FulfillmentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(FulfillmentServer), ctx, req.(*Req))
			})
		},
	}
}

var fulfillmentServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FulfillmentServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("RunPass", func(s FulfillmentServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.RunPass(ctx, in)
		}),
		unary("PlaceOrder", func(s FulfillmentServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.PlaceOrder(ctx, in)
		}),
		unary("CancelOrder", func(s FulfillmentServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.CancelOrder(ctx, in)
		}),
		unary("GetOrder", func(s FulfillmentServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return s.GetOrder(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "brokersim/fulfillment",
}

// RegisterFulfillmentServer registers srv on s.
func RegisterFulfillmentServer(s grpc.ServiceRegistrar, srv FulfillmentServer) {
	s.RegisterService(&fulfillmentServiceDesc, srv)
}

// PassRunner runs one fulfillment pass.
type PassRunner interface {
	RunFulfillmentPass(ctx context.Context) (engine.PassReport, error)
}

// Service implements FulfillmentServer over the engine and the order desk.
type Service struct {
	runner PassRunner
	desk   broker.Broker
	logger *slog.Logger

	// passMu keeps on-demand passes from overlapping scheduled ones.
	passMu *sync.Mutex
}

// NewService creates a Service. passMu is shared with the scheduler; nil
// allocates a private one.
func NewService(runner PassRunner, desk broker.Broker, passMu *sync.Mutex, logger *slog.Logger) *Service {
	if passMu == nil {
		passMu = &sync.Mutex{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runner: runner, desk: desk, passMu: passMu, logger: logger}
}

// RunPass runs a fulfillment pass now and returns its report. It fails with
// Unavailable while another pass is running.
func (s *Service) RunPass(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if !s.passMu.TryLock() {
		return nil, status.Error(codes.Unavailable, "a fulfillment pass is already running")
	}
	defer s.passMu.Unlock()

	report, err := s.runner.RunFulfillmentPass(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "fulfillment pass: %v", err)
	}
	return reportToStruct(report)
}

// PlaceOrder submits a new order to the desk.
func (s *Service) PlaceOrder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	o, err := orderFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	placed, err := s.desk.SubmitOrder(ctx, o)
	if err != nil {
		return nil, toStatus(err)
	}
	return orderToStruct(placed)
}

// CancelOrder requests cancellation of an open order.
func (s *Service) CancelOrder(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "order id is required")
	}
	if _, err := s.desk.CancelOrder(ctx, in.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// GetOrder returns an order by its ID.
func (s *Service) GetOrder(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "order id is required")
	}
	o, err := s.desk.GetOrder(ctx, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return orderToStruct(o)
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, broker.ErrInvalidOrder):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, broker.ErrNotCancellable), errors.Is(err, domain.ErrIllegalTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
