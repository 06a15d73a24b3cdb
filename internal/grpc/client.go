package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client calls snapsync.v1.Diagnostics.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
}

// TagTime returns the enqueue time of tick for clientID.
func (c *Client) TagTime(ctx context.Context, clientID int, tick int32, opts ...grpc.CallOption) (time.Time, bool, error) {
	out := new(TagTimeResponse)
	req := &TagTimeRequest{ClientID: int32(clientID), Tick: tick}
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/TagTime", req, out, callOptions(opts)...); err != nil {
		return time.Time{}, false, err
	}
	return out.Time(), out.Found, nil
}

// Stats fetches the pipeline counters.
func (c *Client) Stats(ctx context.Context, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Stats", &StatsRequest{}, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// StatsWatcher receives frames from WatchStats.
type StatsWatcher struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame; io.EOF marks the end of the stream.
func (w *StatsWatcher) Recv() (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := w.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchStats opens a stats stream.
func (c *Client) WatchStats(ctx context.Context, req *WatchStatsRequest, opts ...grpc.CallOption) (*StatsWatcher, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/WatchStats", callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &StatsWatcher{stream: stream}, nil
}

// WithSharedSecret attaches the shared secret expected by a server running in
// shared_secret mode.
func WithSharedSecret(ctx context.Context, secret string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, secret)
}
