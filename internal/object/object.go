// Package object implements the on-disk executable image format: the
// header, the per-function instruction stream, and the data section that
// the assembler emits and the runtime loader reads back, per spec §6.
//
// Grounded on vm/compile.go's linear encode pass (label/offset resolution
// into a flat byte buffer) and on the teacher's errors.Wrap-at-the-boundary
// style for malformed-image diagnostics.
package object

import (
	"github.com/pkg/errors"

	"blitzvm/internal/codec"
)

const (
	Magic uint32 = 0x0AFC
	Major uint16 = 1
	Minor uint16 = 0

	headerSize = 4 + 2 + 2 + 8 + 8 // magic, major, minor, start, data
)

// FIRMWARE is OR'd into every instruction word belonging to a function
// tagged .firmware in source, per spec §6. It is bit 0 of the word -- the
// same bit decode.go's splitWord reads as an instruction's priv bit, so a
// .firmware function's instructions are, by construction, the only ones
// that can ever carry priv=1 (the trust boundary SETHANDLER/IRET/GDTADD/
// SYSCALL enforce at dispatch).
const FIRMWARE uint32 = 1 << 0

// DataKind distinguishes the five data item encodings spec §6 defines.
type DataKind uint8

const (
	DataByte DataKind = iota
	DataShort
	DataInt
	DataLong
	DataString
)

// DataItem is one entry of the data section: a fixed-width scalar or a
// NUL-terminated raw byte string.
type DataItem struct {
	Kind  DataKind
	Bytes []byte // raw encoded payload, width per Kind
}

// Instruction is one decoded-from-source, not-yet-placed instruction: a
// 32-bit opcode word (without the FIRMWARE bit applied) plus its inline
// immediates in tag order, already resolved to concrete bytes.
type Instruction struct {
	Word  uint32
	Imms  [][]byte
}

// Func is one assembled function: its ordered instruction stream and
// whether it carries the .firmware attribute.
type Func struct {
	Name     string
	Firmware bool
	Code     []Instruction
}

// Unit is a fully assembled program ready for encoding: its functions in
// layout order and its data section.
type Unit struct {
	Funcs    []Func
	Data     []DataItem
	EntryIdx int // index into Funcs of the entry point (spec §6: func "main")
}

// Encode serializes unit into the on-disk image format: header, then the
// concatenated instruction streams of every function in order, then the
// data section. It returns the entry function's offset within the code
// section and the byte offset of the data section within the image,
// matching the Header fields the runtime reads back.
func Encode(unit Unit) (image []byte, startPC uint64, dataOffset uint64, err error) {
	if unit.EntryIdx < 0 || unit.EntryIdx >= len(unit.Funcs) {
		return nil, 0, 0, errors.New("object: entry function index out of range")
	}

	var code []byte
	funcOffsets := make([]uint64, len(unit.Funcs))
	for i, fn := range unit.Funcs {
		funcOffsets[i] = uint64(len(code))
		for _, inst := range fn.Code {
			word := inst.Word
			if fn.Firmware {
				word |= FIRMWARE
			}
			wbuf := make([]byte, 4)
			codec.U32ToBytes(word, wbuf)
			code = append(code, wbuf...)
			for _, imm := range inst.Imms {
				code = append(code, imm...)
			}
		}
	}
	startPC = funcOffsets[unit.EntryIdx]

	var data []byte
	for _, item := range unit.Data {
		data = append(data, item.Bytes...)
	}

	header := make([]byte, headerSize)
	codec.U32ToBytes(Magic, header[0:4])
	codec.U16ToBytes(Major, header[4:6])
	codec.U16ToBytes(Minor, header[6:8])
	codec.U64ToBytes(startPC, header[8:16])
	dataOffset = uint64(headerSize + len(code))
	codec.U64ToBytes(dataOffset, header[16:24])

	image = append(header, code...)
	image = append(image, data...)
	return image, startPC, dataOffset, nil
}

// Header is the fixed-size prefix of an encoded image.
type Header struct {
	Magic      uint32
	Major      uint16
	Minor      uint16
	StartPC    uint64
	DataOffset uint64
}

// DecodeHeader reads and validates the header at the front of an encoded
// image. The code and data slices that follow are handed directly to
// memory.LoadImage by the caller; object itself does not interpret
// instruction bytes beyond the header.
func DecodeHeader(image []byte) (Header, []byte, []byte, error) {
	if len(image) < headerSize {
		return Header{}, nil, nil, errors.New("object: image shorter than header")
	}
	h := Header{
		Magic:      codec.U32FromBytes(image[0:4]),
		Major:      codec.U16FromBytes(image[4:6]),
		Minor:      codec.U16FromBytes(image[6:8]),
		StartPC:    codec.U64FromBytes(image[8:16]),
		DataOffset: codec.U64FromBytes(image[16:24]),
	}
	if h.Magic != Magic {
		return Header{}, nil, nil, errors.Errorf("object: bad magic 0x%X", h.Magic)
	}
	if uint64(len(image)) < h.DataOffset {
		return Header{}, nil, nil, errors.New("object: data offset beyond end of image")
	}
	code := image[headerSize:h.DataOffset]
	data := image[h.DataOffset:]
	return h, code, data, nil
}
