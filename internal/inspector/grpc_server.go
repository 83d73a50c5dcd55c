package inspector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/observability"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/model"
)

const (
	tracerName = "github.com/signalsfoundry/synaptic-view/internal/inspector"

	// SessionMetadataKey carries the session id on inbound gRPC metadata.
	SessionMetadataKey = "x-session-id"
)

// ErrNoSnapshot is returned before the panel has taken its first snapshot.
var ErrNoSnapshot = errors.New("no snapshot received yet")

// Service implements InspectorServer on top of a Panel.
type Service struct {
	panel *Panel
	log   logging.Logger
}

// NewService returns the gRPC inspector service for panel.
func NewService(panel *Panel, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{panel: panel, log: log}
}

// GetSnapshot implements InspectorServer.
func (s *Service) GetSnapshot(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, ok := s.panel.Latest()
	if !ok {
		return nil, ToStatusError(ErrNoSnapshot)
	}
	out, err := SnapshotViewToStruct(NewSnapshotView(snap))
	if err != nil {
		logging.LoggerFromContext(ctx, s.log).Error(ctx, "encode snapshot failed", logging.Err(err))
		return nil, ToStatusError(err)
	}
	return out, nil
}

// ListEntities implements InspectorServer.
func (s *Service) ListEntities(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	opts := s.panel.Options()
	values := make([]interface{}, len(opts))
	for i, o := range opts {
		values[i] = o
	}
	out, err := structpb.NewList(values)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// Select implements InspectorServer.
func (s *Service) Select(ctx context.Context, in *wrapperspb.UInt64Value) (*emptypb.Empty, error) {
	sel := selection.Aggregate()
	if id := in.GetValue(); id != 0 {
		sel = selection.Entity(model.EntityID(id))
	}
	if err := s.panel.Select(ctx, sel); err != nil {
		logging.LoggerFromContext(ctx, s.log).Debug(ctx, "selection rejected",
			logging.String("selection", sel.String()),
			logging.Err(err),
		)
		return nil, ToStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// ToStatusError maps inspector errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrUnknownEntity):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, selection.ErrInvalidSelection):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNoSnapshot):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// SessionUnaryServerInterceptor ensures a session_id is present on the
// context, sourcing it from inbound metadata if provided, and attaches a
// per-call logger annotated with session_id and method.
func SessionUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(SessionMetadataKey); len(vals) > 0 && vals[0] != "" {
				ctx = logging.ContextWithSessionID(ctx, vals[0])
			}
		}

		ctx, callLog := logging.WithSessionLogger(ctx, base.With(logging.String("method", info.FullMethod)))
		ctx = logging.ContextWithLogger(ctx, callLog)

		return handler(ctx, req)
	}
}

// TracingUnaryServerInterceptor names the RPC span and tags it with the
// session, starting a server span when no stats handler created one.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("Inspector/%s/%s", service, method)
		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if id := logging.SessionIDFromContext(ctx); id != "" {
			attrs = append(attrs, attribute.String("session_id", id))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		if created {
			span.End()
		}
		return resp, err
	}
}

// NewGRPCServer builds a gRPC server with the inspector service registered,
// OpenTelemetry stats handling and the session, tracing and metrics
// interceptors chained in that order.
func NewGRPCServer(panel *Panel, log logging.Logger, collector *observability.InspectorCollector, opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			SessionUnaryServerInterceptor(log),
			TracingUnaryServerInterceptor(),
			collector.UnaryServerInterceptor(),
		),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	RegisterInspectorServer(srv, NewService(panel, log))
	return srv
}
