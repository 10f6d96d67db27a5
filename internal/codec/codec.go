// Package codec implements the fixed little-endian byte conversions used
// by the object format and by the CPU when it reinterprets a register's
// bit pattern as a different numeric type.
//
// Every conversion here is total: there is no invalid input. Float decoding
// reinterprets the bit pattern as-is, including NaN payloads, so a value
// survives an encode/decode roundtrip bit for bit.
package codec

import (
	"encoding/binary"
	"math"
)

// U16FromBytes decodes the first 2 bytes of buf as a little-endian uint16.
func U16FromBytes(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf)
}

// U16ToBytes encodes v as 2 little-endian bytes into buf.
func U16ToBytes(v uint16, buf []byte) {
	binary.LittleEndian.PutUint16(buf, v)
}

// U32FromBytes decodes the first 4 bytes of buf as a little-endian uint32.
func U32FromBytes(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// U32ToBytes encodes v as 4 little-endian bytes into buf.
func U32ToBytes(v uint32, buf []byte) {
	binary.LittleEndian.PutUint32(buf, v)
}

// U64FromBytes decodes the first 8 bytes of buf as a little-endian uint64.
func U64FromBytes(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// U64ToBytes encodes v as 8 little-endian bytes into buf.
func U64ToBytes(v uint64, buf []byte) {
	binary.LittleEndian.PutUint64(buf, v)
}

// F64FromBytes reinterprets 8 little-endian bytes as the bit pattern of a
// float64. NaN payloads are preserved since this never routes through
// arithmetic.
func F64FromBytes(buf []byte) float64 {
	return math.Float64frombits(U64FromBytes(buf))
}

// F64ToBytes encodes the bit pattern of v as 8 little-endian bytes.
func F64ToBytes(v float64, buf []byte) {
	U64ToBytes(math.Float64bits(v), buf)
}

// I64FromBits reinterprets the bit pattern of u as a signed int64, the way
// the source language's unchecked u64<->i64 transmute does.
func I64FromBits(u uint64) int64 {
	return int64(u)
}

// I64ToBits reinterprets the bit pattern of v as an unsigned uint64.
func I64ToBits(v int64) uint64 {
	return uint64(v)
}
