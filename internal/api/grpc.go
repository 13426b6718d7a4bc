package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"trendlab/internal/config"
	"trendlab/internal/engine"
	"trendlab/internal/store"
	"trendlab/pkg/trendlab"
)

// ResultsServer is the handler set behind the results service.
type ResultsServer interface {
	ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	RunRecipe(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// resultsServiceDesc describes the service without generated stubs; every
// message is a google.protobuf.Struct.
var resultsServiceDesc = grpc.ServiceDesc{
	ServiceName: trendlab.ServiceName,
	HandlerType: (*ResultsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRuns", Handler: unaryHandler(trendlab.MethodListRuns, ResultsServer.ListRuns)},
		{MethodName: "GetRun", Handler: unaryHandler(trendlab.MethodGetRun, ResultsServer.GetRun)},
		{MethodName: "RunRecipe", Handler: unaryHandler(trendlab.MethodRunRecipe, ResultsServer.RunRecipe)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trendlab/results",
}

type structMethod func(ResultsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, m structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(ResultsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(ResultsServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// grpcResults adapts a Service to ResultsServer.
type grpcResults struct {
	svc *Service
}

func (g *grpcResults) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	if limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must be non-negative")
	}
	runs, err := g.svc.ListRuns(ctx, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	if runs == nil {
		runs = []trendlab.RunInfo{}
	}
	return encode(struct {
		Runs []trendlab.RunInfo `json:"runs"`
	}{runs})
}

func (g *grpcResults) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	run, err := g.svc.GetRun(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(run)
}

func (g *grpcResults) RunRecipe(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := req.GetFields()["recipe"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "recipe is required")
	}
	info, err := g.svc.RunRecipe(ctx, name)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(info)
}

func encode(v any) (*structpb.Struct, error) {
	st, err := trendlab.Encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return st, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(err error) error {
	var cfgErr *engine.ConfigError
	var gapErr *store.DataGapError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, config.ErrRecipeNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &cfgErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &gapErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrRunnerDisabled):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, engine.ErrRunCanceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// logUnary logs every call with its status code and latency.
func logUnary(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed", time.Since(start).Round(time.Microsecond),
		)
		return resp, err
	}
}
