// Package varint packs 32-bit integers into the compact variable-length form used
// for snapshot deltas and network message fields.
//
// The first byte of a value carries a continuation bit (0x80), a sign bit (0x40)
// and the six lowest bits of the magnitude; every following byte carries a
// continuation bit and seven more bits. Negative values are stored as their
// bitwise complement so small negative numbers stay short.
package varint

import "errors"

// MaxBytesPacked is the longest encoding of a single int32.
const MaxBytesPacked = 5

var (
	// ErrBufferTooSmall reports that the destination cannot hold the output.
	ErrBufferTooSmall = errors.New("varint: destination buffer too small")
	// ErrMalformed reports an unterminated or overlong group in the input.
	ErrMalformed = errors.New("varint: malformed input")
)

var (
	unpackMasks  = [MaxBytesPacked - 1]uint32{0x7f, 0x7f, 0x7f, 0x0f}
	unpackShifts = [MaxBytesPacked - 1]uint{6, 13, 20, 27}
)

// PackedLen returns the number of bytes Pack emits for v.
func PackedLen(v int32) int {
	u := uint32(v ^ (v >> 31))
	n := 1
	for u >>= 6; u != 0; u >>= 7 {
		n++
	}
	return n
}

// Pack appends the encoding of v to dst, failing when dst lacks the capacity.
func Pack(dst []byte, v int32) ([]byte, error) {
	need := PackedLen(v)
	if cap(dst)-len(dst) < need {
		return dst, ErrBufferTooSmall
	}
	return appendPacked(dst, v), nil
}

// Append appends the encoding of v to dst, growing it as needed.
func Append(dst []byte, v int32) []byte {
	return appendPacked(dst, v)
}

func appendPacked(dst []byte, v int32) []byte {
	//1.- Fold the sign into bit 6 and complement negatives so magnitude stays small.
	first := byte(uint32(v)>>25) & 0x40
	u := uint32(v ^ (v >> 31))
	first |= byte(u & 0x3f)
	u >>= 6
	//2.- Emit seven-bit groups while bits remain, flagging continuation on the previous byte.
	for u != 0 {
		dst = append(dst, first|0x80)
		first = byte(u & 0x7f)
		u >>= 7
	}
	return append(dst, first)
}

// Unpack decodes one value from the front of src and returns the remaining bytes.
func Unpack(src []byte) (int32, []byte, error) {
	if len(src) == 0 {
		return 0, src, ErrMalformed
	}
	b := src[0]
	sign := uint32(b>>6) & 1
	value := uint32(b & 0x3f)
	i := 1
	for group := 0; b&0x80 != 0; group++ {
		if group == len(unpackMasks) || i >= len(src) {
			return 0, src, ErrMalformed
		}
		b = src[i]
		i++
		value |= (uint32(b) & unpackMasks[group]) << unpackShifts[group]
	}
	value ^= -sign
	return int32(value), src[i:], nil
}

// Compress writes the packed form of src into dst and returns the byte count.
// Nothing useful is left in dst when ErrBufferTooSmall is returned.
func Compress(src []int32, dst []byte) (int, error) {
	out := dst[:0]
	var err error
	for _, v := range src {
		if out, err = Pack(out, v); err != nil {
			return 0, err
		}
	}
	return len(out), nil
}

// AppendCompressed appends the packed form of src to dst.
func AppendCompressed(dst []byte, src []int32) []byte {
	for _, v := range src {
		dst = appendPacked(dst, v)
	}
	return dst
}

// Decompress unpacks src into dst and returns the number of integers written.
func Decompress(src []byte, dst []int32) (int, error) {
	n := 0
	for len(src) > 0 {
		if n == len(dst) {
			return 0, ErrBufferTooSmall
		}
		v, rest, err := Unpack(src)
		if err != nil {
			return 0, err
		}
		dst[n] = v
		n++
		src = rest
	}
	return n, nil
}

// AppendDecompressed unpacks src and appends the integers to dst. limit bounds
// the number of integers accepted; zero or less means no bound.
func AppendDecompressed(dst []int32, src []byte, limit int) ([]int32, error) {
	start := len(dst)
	for len(src) > 0 {
		if limit > 0 && len(dst)-start == limit {
			return dst, ErrBufferTooSmall
		}
		v, rest, err := Unpack(src)
		if err != nil {
			return dst, err
		}
		dst = append(dst, v)
		src = rest
	}
	return dst, nil
}
