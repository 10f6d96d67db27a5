package asm

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"blitzvm/internal/codec"
	"blitzvm/internal/cpu"
	"blitzvm/internal/memory"
	"blitzvm/internal/object"
)

const (
	tagIntImm   uint8 = 81
	tagFloatImm uint8 = 82
	tagOffset   uint8 = 83
	offsetShift       = 57
	offsetMask  uint64 = (1 << offsetShift) - 1
)

// operand is a classified, not-yet-encoded instruction argument.
type operand struct {
	reg        uint8
	isReg      bool
	intVal     int64
	isInt      bool
	fltVal     float64
	isFloat    bool
	offsetReg  uint8
	offsetDisp uint64
	isOffset   bool
	symbol     string
	isSymbol   bool
}

func (op operand) byteLen() int {
	if op.isReg {
		return 0
	}
	return 8
}

func (op operand) tag() uint8 {
	switch {
	case op.isReg:
		return op.reg
	case op.isFloat:
		return tagFloatImm
	case op.isOffset:
		return tagOffset
	default: // isInt or isSymbol
		return tagIntImm
	}
}

// IncludeResolver loads the text of an INCLUDE target by name.
type IncludeResolver func(name string) (string, error)

// parsedInstruction is one flattened instruction site, in source order,
// spanning every FUNC block and INCLUDE expansion.
type parsedInstruction struct {
	funcIdx  int
	mnemonic string
	operands [3]operand
}

type parsedFunc struct {
	name     string
	firmware bool
}

// Assemble runs the full two-pass assembly pipeline over source text and
// produces an object.Unit ready for object.Encode. resolve is consulted
// for INCLUDE directives; it may be nil if source has none.
func Assemble(source string, resolve IncludeResolver) (object.Unit, error) {
	lines, err := expandIncludes(source, resolve, 0)
	if err != nil {
		return object.Unit{}, err
	}

	defines := map[string]string{}
	var funcs []parsedFunc
	var insts []parsedInstruction
	var dataItems []object.DataItem
	labelOffsets := map[string]uint64{}
	funcOffsets := map[string]uint64{}
	dataOffsets := map[string]uint64{}

	curFunc := -1
	curFirmware := false
	offset := uint64(0)
	dataOffset := uint64(0)

	flush := func() {
		if curFunc >= 0 {
			funcs[curFunc].firmware = curFirmware
		}
	}

	for _, ln := range lines {
		switch ln.Kind {
		case TokDefine:
			defines[ln.Name] = ln.Value

		case TokFunc:
			flush()
			name := applyDefines(ln.Name, defines)
			funcs = append(funcs, parsedFunc{name: name})
			curFunc = len(funcs) - 1
			curFirmware = false
			funcOffsets[name] = offset

		case TokEnd:
			flush()
			curFunc = -1

		case TokAttr:
			if curFunc < 0 {
				return object.Unit{}, fmt.Errorf("line %d: .%s attribute outside of a FUNC block", ln.LineNo, ln.Name)
			}
			if ln.Name == "firmware" {
				curFirmware = true
			}

		case TokLabel:
			name := applyDefines(ln.Name, defines)
			labelOffsets[name] = offset

		case TokData:
			item, err := encodeDataItem(ln.Value, applyDefines(ln.Operands[0], defines))
			if err != nil {
				return object.Unit{}, fmt.Errorf("line %d: %w", ln.LineNo, err)
			}
			dataOffsets[ln.Name] = memory.DataBegin + dataOffset
			dataOffset += uint64(len(item.Bytes))
			dataItems = append(dataItems, item)

		case TokInstruction:
			if curFunc < 0 {
				return object.Unit{}, fmt.Errorf("line %d: instruction outside of a FUNC block", ln.LineNo)
			}
			mnemonic := strings.ToUpper(ln.Value)
			if _, ok := cpu.Mnemonics[mnemonic]; !ok {
				return object.Unit{}, fmt.Errorf("line %d: unknown instruction %q", ln.LineNo, ln.Value)
			}
			if cpu.PrivilegedOps[mnemonic] && !curFirmware {
				return object.Unit{}, fmt.Errorf("line %d: %s may only be used in a .firmware function", ln.LineNo, mnemonic)
			}
			var ops [3]operand
			for i := 0; i < 3 && i < len(ln.Operands); i++ {
				text := applyDefines(ln.Operands[i], defines)
				op, err := classifyOperand(text)
				if err != nil {
					return object.Unit{}, fmt.Errorf("line %d: %w", ln.LineNo, err)
				}
				ops[i] = op
			}
			offset += instructionByteLength(ops)
			insts = append(insts, parsedInstruction{
				funcIdx:  curFunc,
				mnemonic: mnemonic,
				operands: ops,
			})
		}
	}
	flush()

	entryIdx := 0
	for i, f := range funcs {
		if f.name == "main" {
			entryIdx = i
		}
	}

	objFuncs := make([]object.Func, len(funcs))
	for i, f := range funcs {
		objFuncs[i] = object.Func{Name: f.name, Firmware: f.firmware}
	}

	resolveSymbol := func(name string) (uint64, error) {
		if v, ok := labelOffsets[name]; ok {
			return v, nil
		}
		if v, ok := funcOffsets[name]; ok {
			return v, nil
		}
		if v, ok := dataOffsets[name]; ok {
			return v, nil
		}
		return 0, errors.Errorf("unresolved symbol %q", name)
	}

	for _, pi := range insts {
		word := uint32(cpu.Mnemonics[pi.mnemonic]&0x3FF) << 22
		shifts := [3]uint{15, 8, 1}
		var imms [][]byte
		for i, op := range pi.operands {
			word |= uint32(op.tag()&0x7F) << shifts[i]
			switch {
			case op.isReg:
				// no inline bytes
			case op.isSymbol:
				addr, err := resolveSymbol(op.symbol)
				if err != nil {
					return object.Unit{}, err
				}
				b := make([]byte, 8)
				codec.U64ToBytes(addr, b)
				imms = append(imms, b)
			case op.isInt:
				b := make([]byte, 8)
				codec.U64ToBytes(codec.I64ToBits(op.intVal), b)
				imms = append(imms, b)
			case op.isFloat:
				b := make([]byte, 8)
				codec.F64ToBytes(op.fltVal, b)
				imms = append(imms, b)
			case op.isOffset:
				b := make([]byte, 8)
				codec.U64ToBytes(uint64(op.offsetReg)<<offsetShift|op.offsetDisp, b)
				imms = append(imms, b)
			}
		}
		// The priv bit itself (bit 0 of word) is never set here: it is
		// applied uniformly to every instruction of a .firmware function
		// by object.Encode (object.FIRMWARE), which is what makes
		// SETHANDLER/IRET/GDTADD/SYSCALL's priv requirement a real trust
		// boundary rather than something the assembler can grant per use.
		objFuncs[pi.funcIdx].Code = append(objFuncs[pi.funcIdx].Code, object.Instruction{Word: word, Imms: imms})
	}

	return object.Unit{Funcs: objFuncs, Data: dataItems, EntryIdx: entryIdx}, nil
}

// instructionByteLength is the encoded size of one instruction: the
// 4-byte word plus 8 bytes for every operand that isn't a bare register
// reference.
func instructionByteLength(ops [3]operand) uint64 {
	n := uint64(4)
	for _, op := range ops {
		n += uint64(op.byteLen())
	}
	return n
}

func expandIncludes(source string, resolve IncludeResolver, depth int) ([]Line, error) {
	if depth > 32 {
		return nil, errors.New("asm: INCLUDE nesting too deep (possible cycle)")
	}
	lines, err := Lex(source)
	if err != nil {
		return nil, err
	}
	var out []Line
	for _, ln := range lines {
		if ln.Kind != TokInclude {
			out = append(out, ln)
			continue
		}
		if resolve == nil {
			return nil, fmt.Errorf("line %d: INCLUDE %q but no include resolver configured", ln.LineNo, ln.Name)
		}
		text, err := resolve(ln.Name)
		if err != nil {
			return nil, fmt.Errorf("line %d: INCLUDE %q: %w", ln.LineNo, ln.Name, err)
		}
		nested, err := expandIncludes(text, resolve, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

var wordRe = regexp.MustCompile(`\w+`)

// applyDefines substitutes whole-word occurrences of any DEFINE name in
// text with its replacement value, the same regex-driven substitution
// vm/compile.go uses for label references.
func applyDefines(text string, defines map[string]string) string {
	if len(defines) == 0 {
		return text
	}
	return wordRe.ReplaceAllStringFunc(text, func(word string) string {
		if v, ok := defines[word]; ok {
			return v
		}
		return word
	})
}

func classifyOperand(text string) (operand, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return operand{isReg: true, reg: 0}, nil
	}

	if reg, ok := parseRegister(text); ok {
		return operand{isReg: true, reg: reg}, nil
	}

	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return classifyOffset(text)
	}

	if strings.HasPrefix(text, "'") {
		return classifyCharLiteral(text)
	}

	if isNumeric(text) {
		return classifyNumeric(text)
	}

	// Anything else is a forward or backward symbol reference: a label,
	// function or DATA item name, resolved to its absolute address at
	// encode time. A bare STRING operand is never legal here (spec §9): string
	// data belongs in the data section, not an instruction operand.
	return operand{isSymbol: true, symbol: text}, nil
}

func classifyOffset(text string) (operand, error) {
	inner := text[1 : len(text)-1]
	sign := 1
	splitAt := -1
	for i, c := range inner {
		if c == '+' {
			splitAt = i
			break
		}
		if c == '-' {
			splitAt = i
			sign = -1
			break
		}
	}

	baseText := inner
	dispText := "0"
	if splitAt >= 0 {
		baseText = strings.TrimSpace(inner[:splitAt])
		dispText = strings.TrimSpace(inner[splitAt+1:])
	}

	base, ok := parseRegister(baseText)
	if !ok {
		return operand{}, fmt.Errorf("invalid base register in offset operand: %s", text)
	}
	n, err := strconv.ParseUint(dispText, 0, 57)
	if err != nil {
		return operand{}, fmt.Errorf("invalid displacement in offset operand %s: %v", text, err)
	}
	disp := n
	if sign < 0 {
		disp = (^n + 1) & offsetMask
	}
	return operand{isOffset: true, offsetReg: base, offsetDisp: disp}, nil
}

func classifyCharLiteral(text string) (operand, error) {
	if len(text) < 3 || text[len(text)-1] != '\'' {
		return operand{}, fmt.Errorf("unterminated character or string literal: %s", text)
	}
	r := []rune(text[1 : len(text)-1])
	if len(r) != 1 {
		return operand{}, fmt.Errorf("character literal must be exactly one rune: %s", text)
	}
	return operand{isInt: true, intVal: int64(r[0])}, nil
}

func isNumeric(text string) bool {
	if text == "" {
		return false
	}
	c := text[0]
	return c == '-' || c == '+' || (c >= '0' && c <= '9')
}

func classifyNumeric(text string) (operand, error) {
	if strings.Contains(text, ".") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid float literal %q: %v", text, err)
		}
		return operand{isFloat: true, fltVal: f}, nil
	}

	base := 10
	t := text
	neg := strings.HasPrefix(t, "-")
	unsigned := t
	if neg || strings.HasPrefix(t, "+") {
		unsigned = t[1:]
	}
	if strings.HasPrefix(unsigned, "0x") {
		base = 16
		unsigned = unsigned[2:]
	}

	if neg {
		v, err := strconv.ParseInt("-"+unsigned, base, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid integer literal %q: %v", text, err)
		}
		return operand{isInt: true, intVal: v}, nil
	}
	v, err := strconv.ParseUint(unsigned, base, 64)
	if err != nil {
		return operand{}, fmt.Errorf("invalid integer literal %q: %v", text, err)
	}
	return operand{isInt: true, intVal: int64(v)}, nil
}

// encodeDataItem encodes one DATA directive's value per its declared
// type: BYTE/SHORT/INT/LONG are native-width little-endian scalars,
// STRING is a raw, NUL-terminated byte string (spec §6).
func encodeDataItem(kind, value string) (object.DataItem, error) {
	switch strings.ToUpper(kind) {
	case "BYTE":
		n, err := strconv.ParseUint(value, 0, 8)
		if err != nil {
			return object.DataItem{}, fmt.Errorf("invalid BYTE value %q: %v", value, err)
		}
		return object.DataItem{Kind: object.DataByte, Bytes: []byte{byte(n)}}, nil
	case "SHORT":
		n, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return object.DataItem{}, fmt.Errorf("invalid SHORT value %q: %v", value, err)
		}
		b := make([]byte, 2)
		codec.U16ToBytes(uint16(n), b)
		return object.DataItem{Kind: object.DataShort, Bytes: b}, nil
	case "INT":
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return object.DataItem{}, fmt.Errorf("invalid INT value %q: %v", value, err)
		}
		b := make([]byte, 4)
		codec.U32ToBytes(uint32(n), b)
		return object.DataItem{Kind: object.DataInt, Bytes: b}, nil
	case "LONG":
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return object.DataItem{}, fmt.Errorf("invalid LONG value %q: %v", value, err)
		}
		b := make([]byte, 8)
		codec.U64ToBytes(n, b)
		return object.DataItem{Kind: object.DataLong, Bytes: b}, nil
	case "STRING":
		s, err := unquote(value)
		if err != nil {
			return object.DataItem{}, err
		}
		return object.DataItem{Kind: object.DataString, Bytes: append([]byte(s), 0)}, nil
	default:
		return object.DataItem{}, fmt.Errorf("unknown DATA type %q", kind)
	}
}

// parseRegister recognizes the numbered register views (bNN/hNN/wNN/rNN
// for the 8/16/32/64-bit aliases of cell NN) plus the named sp register.
func parseRegister(text string) (uint8, bool) {
	if id, ok := cpu.RegisterNames[text]; ok {
		return id, true
	}
	if len(text) < 2 {
		return 0, false
	}
	var base int
	switch text[0] {
	case 'b':
		base = 0
	case 'h':
		base = 20
	case 'w':
		base = 40
	case 'r':
		base = 60
	default:
		return 0, false
	}
	n, err := strconv.Atoi(text[1:])
	if err != nil || n < 0 || n > 19 {
		return 0, false
	}
	return uint8(base + n), true
}
