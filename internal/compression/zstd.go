package compression

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdMaxWindow bounds decoder memory; snapshot payloads are far smaller.
const zstdMaxWindow = 1 << 20

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdInitErr error
)

// zstdCodecs builds the shared single-threaded encoder and decoder; EncodeAll
// and DecodeAll are safe for concurrent use.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			zstdInitErr = err
			return
		}
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(zstdMaxWindow),
		)
		if err != nil {
			zstdInitErr = err
			return
		}
		zstdEncoder, zstdDecoder = enc, dec
	})
	return zstdEncoder, zstdDecoder, zstdInitErr
}

func encodeZstd(src []byte) ([]byte, bool, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, false, fmt.Errorf("zstd init: %w", err)
	}
	return enc.EncodeAll(src, nil), true, nil
}

func decodeZstd(dst, body []byte, maxSize int) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return dst, fmt.Errorf("zstd init: %w", err)
	}
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return dst, ErrTooLarge
		}
		return dst, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	if len(out) > maxSize {
		return dst, ErrTooLarge
	}
	return append(dst, out...), nil
}
