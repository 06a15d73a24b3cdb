// Package grpc exposes pipeline diagnostics over the snapsync.v1.Diagnostics
// gRPC service.
package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"snapsync/broker/internal/pipeline"
)

const (
	serviceName = "snapsync.v1.Diagnostics"

	// DefaultWatchInterval is the stats cadence when the caller asks for none.
	DefaultWatchInterval = time.Second
	// MinWatchInterval bounds how often a watcher may be updated.
	MinWatchInterval = 10 * time.Millisecond
)

// Backend is the pipeline view the service reads from.
type Backend interface {
	Stats() pipeline.Stats
	TryGetTagTime(clientID int, tick int32) (time.Time, bool)
	MaxClients() int
}

// StatsStream is the server side of a WatchStats call.
type StatsStream interface {
	Send(*StatsResponse) error
	Context() context.Context
}

// DiagnosticsServer is the service contract registered with grpc.
type DiagnosticsServer interface {
	TagTime(context.Context, *TagTimeRequest) (*TagTimeResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	WatchStats(*WatchStatsRequest, StatsStream) error
}

// Option customises the behaviour of the diagnostics service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithClientCounter reports the number of connected subscribers in Stats.
func WithClientCounter(count func() int) Option {
	return func(s *Service) {
		if count != nil {
			s.clients = count
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// Service implements DiagnosticsServer on top of a pipeline.
type Service struct {
	backend   Backend
	clients   func() int
	newTicker tickerFactory
}

var _ DiagnosticsServer = (*Service)(nil)

// NewService wires the service to backend.
func NewService(backend Backend, opts ...Option) *Service {
	service := &Service{backend: backend, newTicker: defaultTickerFactory}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// TagTime reports when the given tick was enqueued for the client.
func (s *Service) TagTime(ctx context.Context, req *TagTimeRequest) (*TagTimeResponse, error) {
	if s == nil || s.backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "diagnostics unavailable")
	}
	if req.ClientID < 0 || int(req.ClientID) >= s.backend.MaxClients() {
		return nil, status.Errorf(codes.InvalidArgument, "client %d out of range [0,%d)", req.ClientID, s.backend.MaxClients())
	}
	tagTime, ok := s.backend.TryGetTagTime(int(req.ClientID), req.Tick)
	if !ok {
		return &TagTimeResponse{}, nil
	}
	return &TagTimeResponse{Found: true, TagTime: timestamppb.New(tagTime)}, nil
}

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	if s == nil || s.backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "diagnostics unavailable")
	}
	return s.snapshot(), nil
}

func (s *Service) snapshot() *StatsResponse {
	stats := s.backend.Stats()
	resp := &StatsResponse{
		Pending:      uint64(stats.Pending),
		Ready:        uint64(stats.Ready),
		Snapshots:    stats.Snapshots,
		Resets:       stats.Resets,
		Compressed:   stats.Compressed,
		Empty:        stats.Empty,
		Fallbacks:    stats.Fallbacks,
		PayloadBytes: stats.PayloadBytes,
	}
	if s.clients != nil {
		resp.Clients = uint64(s.clients())
	}
	return resp
}

// WatchStats streams the counters at the requested cadence.
func (s *Service) WatchStats(req *WatchStatsRequest, stream StatsStream) error {
	if s == nil || s.backend == nil {
		return status.Error(codes.FailedPrecondition, "diagnostics unavailable")
	}
	interval := time.Duration(req.GetIntervalMillis()) * time.Millisecond
	if interval == 0 {
		interval = DefaultWatchInterval
	}
	if interval < MinWatchInterval {
		interval = MinWatchInterval
	}
	ctx := stream.Context()

	//1.- Send an immediate frame so callers do not wait a full interval.
	if err := stream.Send(s.snapshot()); err != nil {
		return err
	}
	sent := uint32(1)
	tickCh, stop := s.newTicker(interval)
	defer stop()
	for {
		if req.GetMaxUpdates() != 0 && sent >= req.GetMaxUpdates() {
			return nil
		}
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case <-tickCh:
			if err := stream.Send(s.snapshot()); err != nil {
				return err
			}
			sent++
		}
	}
}

// GetIntervalMillis is nil-safe.
func (m *WatchStatsRequest) GetIntervalMillis() uint32 {
	if m == nil {
		return 0
	}
	return m.IntervalMillis
}

// GetMaxUpdates is nil-safe.
func (m *WatchStatsRequest) GetMaxUpdates() uint32 {
	if m == nil {
		return 0
	}
	return m.MaxUpdates
}

// RegisterDiagnosticsServer attaches srv to a grpc server.
func RegisterDiagnosticsServer(registrar grpc.ServiceRegistrar, srv DiagnosticsServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes snapsync.v1.Diagnostics for grpc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "TagTime", Handler: tagTimeHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchStats", Handler: watchStatsHandler, ServerStreams: true},
	},
	Metadata: "snapsync/v1/diagnostics.proto",
}

func tagTimeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TagTimeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).TagTime(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/TagTime"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DiagnosticsServer).TagTime(ctx, req.(*TagTimeRequest))
	})
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Stats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(DiagnosticsServer).Stats(ctx, req.(*StatsRequest))
	})
}

func watchStatsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchStatsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DiagnosticsServer).WatchStats(in, &statsServerStream{stream})
}

type statsServerStream struct {
	grpc.ServerStream
}

func (s *statsServerStream) Send(m *StatsResponse) error { return s.ServerStream.SendMsg(m) }
