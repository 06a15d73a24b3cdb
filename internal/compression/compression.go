// Package compression implements the byte-level compressor applied to packed
// snapshot deltas before they are split into transport packets.
//
// Every compressed payload is a self-describing frame: one method byte followed
// by the method body. A compressor whose output would not be smaller than its
// input stores the input raw instead, so a frame never exceeds Bound(len(src)).
package compression

import (
	"errors"
	"fmt"
	"strings"
)

// FrameOverhead is the number of bytes a frame adds on top of a raw payload.
const FrameOverhead = 1

// Method identifies how a frame body is encoded.
type Method byte

const (
	MethodRaw Method = iota
	MethodRLE
	MethodHuffman
	MethodSnappy
	MethodS2
	MethodZstd
	MethodLZ4
)

// String returns the configuration name of the method.
func (m Method) String() string {
	switch m {
	case MethodRaw:
		return "none"
	case MethodRLE:
		return "rle"
	case MethodHuffman:
		return "huffman"
	case MethodSnappy:
		return "snappy"
	case MethodS2:
		return "s2"
	case MethodZstd:
		return "zstd"
	case MethodLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("method(%d)", byte(m))
	}
}

var (
	// ErrCorrupt reports a frame that cannot be decoded.
	ErrCorrupt = errors.New("compression: corrupt frame")
	// ErrTooLarge reports a frame that decodes beyond the permitted size.
	ErrTooLarge = errors.New("compression: decoded size exceeds limit")
	// ErrUnknownMethod reports an unsupported algorithm name or method byte.
	ErrUnknownMethod = errors.New("compression: unknown method")
)

// Compressor applies symmetric compression to payload byte slices.
type Compressor interface {
	// Name returns the algorithm identifier used in configuration and logs.
	Name() string
	// Compress appends the framed encoding of src to dst.
	Compress(dst, src []byte) ([]byte, error)
	// Decompress appends the decoded frame to dst, refusing output above maxSize bytes.
	Decompress(dst, src []byte, maxSize int) ([]byte, error)
}

// Bound returns the largest frame Compress can produce for n input bytes.
func Bound(n int) int {
	return n + FrameOverhead
}

// Default returns the entropy-coding compressor used when nothing is configured.
func Default() Compressor {
	return methodCompressor{method: MethodHuffman}
}

// New resolves a compressor by its configuration name.
func New(name string) (Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "huffman", "huff0":
		return methodCompressor{method: MethodHuffman}, nil
	case "none", "raw":
		return methodCompressor{method: MethodRaw}, nil
	case "snappy":
		return methodCompressor{method: MethodSnappy}, nil
	case "s2":
		return methodCompressor{method: MethodS2}, nil
	case "zstd":
		return methodCompressor{method: MethodZstd}, nil
	case "lz4":
		return methodCompressor{method: MethodLZ4}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, name)
	}
}

// methodCompressor encodes with one preferred method and decodes any frame.
type methodCompressor struct {
	method Method
}

func (c methodCompressor) Name() string { return c.method.String() }

func (c methodCompressor) Compress(dst, src []byte) ([]byte, error) {
	var (
		body   []byte
		method = c.method
		err    error
	)
	//1.- Encode with the preferred method; encoders report false when they cannot win.
	ok := false
	switch c.method {
	case MethodHuffman:
		body, method, ok = encodeHuffman(src)
	case MethodSnappy:
		body, ok = encodeSnappy(src)
	case MethodS2:
		body, ok = encodeS2(src)
	case MethodZstd:
		body, ok, err = encodeZstd(src)
	case MethodLZ4:
		body, ok = encodeLZ4(src)
	}
	if err != nil {
		return dst, err
	}
	//2.- Fall back to a raw frame so the worst case stays bounded.
	if !ok || len(body) >= len(src) {
		method = MethodRaw
		body = src
	}
	dst = append(dst, byte(method))
	return append(dst, body...), nil
}

func (c methodCompressor) Decompress(dst, src []byte, maxSize int) ([]byte, error) {
	return Decompress(dst, src, maxSize)
}

// Decompress decodes any frame produced by this package regardless of the
// method the encoder preferred.
func Decompress(dst, src []byte, maxSize int) ([]byte, error) {
	if len(src) < FrameOverhead {
		return dst, ErrCorrupt
	}
	if maxSize < 0 {
		maxSize = 0
	}
	method, body := Method(src[0]), src[FrameOverhead:]
	switch method {
	case MethodRaw:
		if len(body) > maxSize {
			return dst, ErrTooLarge
		}
		return append(dst, body...), nil
	case MethodRLE:
		return decodeRLE(dst, body, maxSize)
	case MethodHuffman:
		return decodeHuffman(dst, body, maxSize)
	case MethodSnappy:
		return decodeSnappy(dst, body, maxSize)
	case MethodS2:
		return decodeS2(dst, body, maxSize)
	case MethodZstd:
		return decodeZstd(dst, body, maxSize)
	case MethodLZ4:
		return decodeLZ4(dst, body, maxSize)
	default:
		return dst, fmt.Errorf("%w: %d", ErrUnknownMethod, byte(method))
	}
}
