// Package leb128 implements the variable-length integer encoding used by the WebAssembly binary format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#integers%E2%91%A4
package leb128

import (
	"errors"
	"fmt"
	"io"
)

const (
	maxVarintLen32 = 5
	maxVarintLen64 = 10
)

var (
	errOverflow32 = errors.New("overflows a 32-bit integer")
	errOverflow64 = errors.New("overflows a 64-bit integer")
)

// EncodeInt32 encodes the signed value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_signed_integer
func EncodeInt32(value int32) []byte {
	return EncodeInt64(int64(value))
}

// EncodeInt64 encodes the signed value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_signed_integer
func EncodeInt64(value int64) (buf []byte) {
	for {
		// Take 7 remaining low-order bits from the value into b.
		b := uint8(value & 0x7f)
		// Extract the sign bit.
		s := uint8(value & 0x40)
		value >>= 7

		// The encoding unsigned numbers is simpler as it only needs to check if the value is non-zero to tell if there
		// are more bits to encode. Signed is a little more complicated as you have to double-check the sign bit.
		// If either case, set the high-order bit to tell the reader there are more bytes in this int.
		if (value != -1 || s == 0) && (value != 0 || s != 0) {
			b |= 0x80
		}

		// Append b into the buffer
		buf = append(buf, b)
		if b&0x80 == 0 {
			break
		}
	}
	return buf
}

// EncodeUint32 encodes the value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_unsigned_integer
func EncodeUint32(value uint32) []byte {
	return EncodeUint64(uint64(value))
}

// EncodeUint64 encodes the value into a buffer in LEB128 format
//
// See https://en.wikipedia.org/wiki/LEB128#Encode_unsigned_integer
func EncodeUint64(value uint64) (buf []byte) {
	// This is effectively a do/while loop where we take 7 bits of the value and encode them until it is zero.
	for {
		// Take 7 remaining low-order bits from the value into b.
		b := uint8(value & 0x7f)
		value = value >> 7

		// If there are remaining bits, the value won't be zero: Set the high-order bit to tell the reader there are
		// more bytes in this uint.
		if value != 0 {
			b |= 0x80
		}

		// Append b into the buffer
		buf = append(buf, b)
		if b&0x80 == 0 {
			return buf
		}
	}
}

// LoadUint32 decodes an unsigned value from the front of buf, returning it and the count of bytes read.
func LoadUint32(buf []byte) (ret uint32, bytesRead uint64, err error) {
	for i := 0; i < maxVarintLen32; i++ {
		if i >= len(buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b := buf[i]
		// Only 4 bits of the 5th byte are in range, and it can't continue.
		if i == maxVarintLen32-1 && b > 0x0f {
			return 0, 0, errOverflow32
		}
		ret |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return ret, uint64(i + 1), nil
		}
	}
	return 0, 0, errOverflow32
}

// LoadUint64 decodes an unsigned value from the front of buf, returning it and the count of bytes read.
func LoadUint64(buf []byte) (ret uint64, bytesRead uint64, err error) {
	for i := 0; i < maxVarintLen64; i++ {
		if i >= len(buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b := buf[i]
		// Only the lowest bit of the 10th byte is in range, and it can't continue.
		if i == maxVarintLen64-1 && b > 0x01 {
			return 0, 0, errOverflow64
		}
		ret |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return ret, uint64(i + 1), nil
		}
	}
	return 0, 0, errOverflow64
}

// LoadInt32 decodes a signed value from the front of buf, returning it and the count of bytes read.
func LoadInt32(buf []byte) (ret int32, bytesRead uint64, err error) {
	var shift uint
	var b byte
	for i := 0; ; i++ {
		if i == maxVarintLen32 {
			return 0, 0, errOverflow32
		} else if i >= len(buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b = buf[i]
		if i == maxVarintLen32-1 {
			// The unused bits of the last byte must extend the sign bit (bit 3).
			if upper := b & 0x70; b&0x80 != 0 || (b&0x08 == 0 && upper != 0) || (b&0x08 != 0 && upper != 0x70) {
				return 0, 0, errOverflow32
			}
		}
		ret |= int32(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			bytesRead = uint64(i + 1)
			break
		}
	}
	if shift < 32 && b&0x40 != 0 {
		ret |= -1 << shift
	}
	return
}

// LoadInt64 decodes a signed value from the front of buf, returning it and the count of bytes read.
func LoadInt64(buf []byte) (ret int64, bytesRead uint64, err error) {
	var shift uint
	var b byte
	for i := 0; ; i++ {
		if i == maxVarintLen64 {
			return 0, 0, errOverflow64
		} else if i >= len(buf) {
			return 0, 0, io.ErrUnexpectedEOF
		}
		b = buf[i]
		// The 10th byte only carries the sign bit.
		if i == maxVarintLen64-1 && b != 0x00 && b != 0x7f {
			return 0, 0, errOverflow64
		}
		ret |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			bytesRead = uint64(i + 1)
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		ret |= -1 << shift
	}
	return
}

// MustLoadUint32 is like LoadUint32, except it panics on error. Use this on data that was already validated.
func MustLoadUint32(buf []byte) uint32 {
	v, _, err := LoadUint32(buf)
	if err != nil {
		panic(fmt.Errorf("leb128: %w", err))
	}
	return v
}
