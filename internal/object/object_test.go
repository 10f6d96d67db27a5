package object

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"blitzvm/internal/codec"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

func intImm(v int64) []byte {
	buf := make([]byte, 8)
	codec.U64ToBytes(codec.I64ToBits(v), buf)
	return buf
}

func TestEncodeDecodeHeaderRoundtrip(t *testing.T) {
	unit := Unit{
		Funcs: []Func{
			{Name: "main", Code: []Instruction{
				{Word: 0x04204000, Imms: [][]byte{intImm(41)}},
			}},
		},
		Data:     []DataItem{{Kind: DataByte, Bytes: []byte{7}}},
		EntryIdx: 0,
	}

	image, startPC, dataOffset, err := Encode(unit)
	assert(t, err == nil, "Encode failed: %v", err)
	assert(t, startPC == 0, "expected entry at offset 0, got %d", startPC)

	h, code, data, err := DecodeHeader(image)
	assert(t, err == nil, "DecodeHeader failed: %v", err)
	assert(t, h.Magic == Magic, "magic mismatch")
	assert(t, h.StartPC == startPC, "start pc mismatch")
	assert(t, h.DataOffset == dataOffset, "data offset mismatch")

	wantCode := []byte{0x00, 0x40, 0x20, 0x04}
	wantCode = append(wantCode, intImm(41)...)
	if diff := cmp.Diff(wantCode, code); diff != "" {
		t.Fatalf("code section mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{7}, data); diff != "" {
		t.Fatalf("data section mismatch (-want +got):\n%s", diff)
	}
}

func TestFirmwareBitAppliedToEveryInstructionInTaggedFunction(t *testing.T) {
	unit := Unit{
		Funcs: []Func{
			{Name: "boot", Firmware: true, Code: []Instruction{
				{Word: 0x00000000},
				{Word: 0x00000002},
			}},
		},
		EntryIdx: 0,
	}
	image, _, dataOffset, err := Encode(unit)
	assert(t, err == nil, "Encode failed: %v", err)
	code := image[headerSize:dataOffset]

	w0 := codec.U32FromBytes(code[0:4])
	w1 := codec.U32FromBytes(code[4:8])
	assert(t, w0&FIRMWARE != 0, "expected FIRMWARE bit set on first instruction")
	assert(t, w1&FIRMWARE != 0, "expected FIRMWARE bit set on second instruction")
	// FIRMWARE is specifically bit 0 -- the same bit decode.go's splitWord
	// reads as an instruction's priv bit -- not some other, unrelated bit
	// of the word.
	assert(t, w0&1 != 0, "expected FIRMWARE to occupy bit 0, got word %#x", w0)
	assert(t, w1&1 != 0, "expected FIRMWARE to occupy bit 0, got word %#x", w1)
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	image := make([]byte, headerSize)
	_, _, _, err := DecodeHeader(image)
	assert(t, err != nil, "expected an error for a zeroed/bad-magic header")
}

func TestEncodeRejectsOutOfRangeEntry(t *testing.T) {
	_, _, _, err := Encode(Unit{EntryIdx: 3})
	assert(t, err != nil, "expected an error for an out-of-range entry index")
}
