package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

func encodeSnappy(src []byte) ([]byte, bool) {
	return snappy.Encode(nil, src), true
}

func decodeSnappy(dst, body []byte, maxSize int) ([]byte, error) {
	n, err := snappy.DecodedLen(body)
	if err != nil {
		return dst, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
	}
	if n > maxSize {
		return dst, ErrTooLarge
	}
	out, err := snappy.Decode(nil, body)
	if err != nil {
		return dst, fmt.Errorf("%w: snappy: %v", ErrCorrupt, err)
	}
	return append(dst, out...), nil
}

func encodeS2(src []byte) ([]byte, bool) {
	return s2.Encode(nil, src), true
}

func decodeS2(dst, body []byte, maxSize int) ([]byte, error) {
	n, err := s2.DecodedLen(body)
	if err != nil {
		return dst, fmt.Errorf("%w: s2: %v", ErrCorrupt, err)
	}
	if n > maxSize {
		return dst, ErrTooLarge
	}
	out, err := s2.Decode(nil, body)
	if err != nil {
		return dst, fmt.Errorf("%w: s2: %v", ErrCorrupt, err)
	}
	return append(dst, out...), nil
}

// encodeLZ4 prefixes the block with the raw length because lz4 blocks do not
// record it themselves.
func encodeLZ4(src []byte) ([]byte, bool) {
	body := binary.AppendUvarint(nil, uint64(len(src)))
	header := len(body)
	body = append(body, make([]byte, lz4.CompressBlockBound(len(src)))...)
	n, err := lz4.CompressBlock(src, body[header:], nil)
	if err != nil || n == 0 {
		return nil, false
	}
	return body[:header+n], true
}

func decodeLZ4(dst, body []byte, maxSize int) ([]byte, error) {
	size, read := binary.Uvarint(body)
	if read <= 0 {
		return dst, ErrCorrupt
	}
	if size > uint64(maxSize) {
		return dst, ErrTooLarge
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(body[read:], out)
	if err != nil {
		return dst, fmt.Errorf("%w: lz4: %v", ErrCorrupt, err)
	}
	if uint64(n) != size {
		return dst, ErrCorrupt
	}
	return append(dst, out...), nil
}
