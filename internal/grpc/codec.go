package grpc

import (
	"fmt"
	"io"

	"github.com/golang/snappy"
	"google.golang.org/grpc/encoding"
)

// Codec encodes the diagnostics messages on the protobuf wire format. The
// server installs it with grpc.ForceServerCodec, clients with grpc.ForceCodec.
type Codec struct{}

// Name reports the content subtype; the messages are plain protobuf on the wire.
func (Codec) Name() string { return "proto" }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("diagnostics codec: unsupported type %T", v)
	}
	return m.marshal()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("diagnostics codec: unsupported type %T", v)
	}
	return m.unmarshal(data)
}

// SnappyName is the grpc-encoding value of the snappy compressor registered by this package.
const SnappyName = "snappy"

func init() {
	encoding.RegisterCompressor(snappyCompressor{})
}

// snappyCompressor frames gRPC messages with the snappy stream format.
type snappyCompressor struct{}

func (snappyCompressor) Name() string { return SnappyName }

func (snappyCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(w), nil
}

func (snappyCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return snappy.NewReader(r), nil
}
