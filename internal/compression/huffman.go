package compression

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/huff0"
)

// huffScratch pools encoder state; table reuse is disabled so identical input
// always yields identical frames.
var huffScratch = sync.Pool{
	New: func() any { return &huff0.Scratch{Reuse: huff0.ReusePolicyNone} },
}

func encodeHuffman(src []byte) ([]byte, Method, bool) {
	if len(src) == 0 {
		return nil, MethodRaw, false
	}
	s := huffScratch.Get().(*huff0.Scratch)
	defer huffScratch.Put(s)
	s.Reuse = huff0.ReusePolicyNone

	out, _, err := huff0.Compress1X(src, s)
	switch {
	case err == nil:
		//1.- Copy out of the pooled scratch before it is handed to another caller.
		return append([]byte(nil), out...), MethodHuffman, true
	case errors.Is(err, huff0.ErrUseRLE):
		return encodeRLE(src), MethodRLE, true
	default:
		// ErrIncompressible and ErrTooBig both resolve to a raw frame.
		return nil, MethodRaw, false
	}
}

func decodeHuffman(dst, body []byte, maxSize int) ([]byte, error) {
	if len(body) == 0 {
		return dst, ErrCorrupt
	}
	s := &huff0.Scratch{MaxDecodedSize: maxSize}
	s, remain, err := huff0.ReadTable(body, s)
	if err != nil {
		return dst, fmt.Errorf("%w: huffman table: %v", ErrCorrupt, err)
	}
	//1.- The decoder bounds its output by the capacity of the buffer it is given.
	out, err := s.Decoder().Decompress1X(make([]byte, 0, maxSize), remain)
	if err != nil {
		if errors.Is(err, huff0.ErrMaxDecodedSizeExceeded) {
			return dst, ErrTooLarge
		}
		return dst, fmt.Errorf("%w: huffman stream: %v", ErrCorrupt, err)
	}
	return append(dst, out...), nil
}

// encodeRLE stores a run of a single symbol as the symbol and the run length.
func encodeRLE(src []byte) []byte {
	body := make([]byte, 1, 1+binary.MaxVarintLen64)
	body[0] = src[0]
	return binary.AppendUvarint(body, uint64(len(src)))
}

func decodeRLE(dst, body []byte, maxSize int) ([]byte, error) {
	if len(body) < 2 {
		return dst, ErrCorrupt
	}
	n, read := binary.Uvarint(body[1:])
	if read <= 0 || 1+read != len(body) {
		return dst, ErrCorrupt
	}
	if n > uint64(maxSize) {
		return dst, ErrTooLarge
	}
	symbol := body[0]
	for i := uint64(0); i < n; i++ {
		dst = append(dst, symbol)
	}
	return dst, nil
}
