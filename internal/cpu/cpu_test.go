package cpu

import (
	"math"
	"testing"

	"blitzvm/internal/memory"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// encodeWord packs an opcode and three operand tags into the 32-bit
// instruction word layout of spec §4.3, for test fixtures that poke
// bytecode directly rather than going through the assembler.
func encodeWord(opcode uint16, t0, t1, t2 uint8, priv bool) uint32 {
	w := uint32(opcode&0x3FF) << 22
	w |= uint32(t0&0x7F) << 15
	w |= uint32(t1&0x7F) << 8
	w |= uint32(t2&0x7F) << 1
	if priv {
		w |= 1
	}
	return w
}

func putU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func putU64(buf []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(v >> (8 * i))
	}
}

// codeWriter lays out instructions sequentially in the Code segment,
// tracking the byte cursor so fixtures never have to hand-compute
// instruction lengths (a 4-byte word plus 8 bytes per inline immediate).
type codeWriter struct {
	t    *testing.T
	mem  *memory.Memory
	addr uint64
}

func newCodeWriter(t *testing.T, mem *memory.Memory, at uint64) *codeWriter {
	return &codeWriter{t: t, mem: mem, addr: at}
}

// emit writes one instruction at the writer's current cursor, returns the
// address it was written at, and advances the cursor past it.
func (w *codeWriter) emit(opcode uint16, t0, t1, t2 uint8, priv bool, imms ...uint64) uint64 {
	w.t.Helper()
	start := w.addr
	buf := make([]byte, 4+8*len(imms))
	putU32(buf, 0, encodeWord(opcode, t0, t1, t2, priv))
	for i, v := range imms {
		putU64(buf, 4+8*i, v)
	}
	assert(w.t, start+uint64(len(buf)) <= memory.CodeEnd+1, "fixture overruns Code segment")
	err := w.mem.RawWrite(start, start+uint64(len(buf))-1, buf, true)
	assert(w.t, err == nil, "fixture write failed: %v", err)
	w.addr += uint64(len(buf))
	return start
}

func newTestCPU(t *testing.T) (*Cpu, *memory.Memory) {
	t.Helper()
	mem := memory.NewImage()
	return New(mem), mem
}

// reg60 is a 64-bit-view general register id used throughout as a
// scratch destination.
const reg60 = 60

func TestMovAddStoresResultInWideRegister(t *testing.T) {
	c, mem := newTestCPU(t)
	w := newCodeWriter(t, mem, 0)
	w.emit(opMOV, reg60, 81, 0, false, 41)
	w.emit(opADD, reg60, reg60, 81, false, 1)

	assert(t, c.Step() == nil, "MOV step failed")
	assert(t, c.Get(reg60) == 41, "expected 41, got %d", c.Get(reg60))
	assert(t, c.Step() == nil, "ADD step failed")
	assert(t, c.Get(reg60) == 42, "expected 42, got %d", c.Get(reg60))
}

func TestNarrowRegisterWriteIsReadModifyWrite(t *testing.T) {
	c, _ := newTestCPU(t)
	c.Set(reg60, 0xFFFFFFFFFFFFFFFF)
	c.Set(0, 0x00) // byte view of cell 0
	assert(t, c.Get(60) == 0xFFFFFFFFFFFFFF00, "narrow write must preserve high bits, got %#x", c.Get(60))
}

func TestDivideByZeroTrapsWithNoHandler(t *testing.T) {
	c, mem := newTestCPU(t)
	w := newCodeWriter(t, mem, 0)
	w.emit(opMOV, reg60, 81, 0, false, 10)
	w.emit(opMOV, 61, 81, 0, false, 0)
	w.emit(opDIV, reg60, reg60, 61, false)

	assert(t, c.Step() == nil, "first MOV failed")
	assert(t, c.Step() == nil, "second MOV failed")
	err := c.Step()
	trap, ok := err.(*Trap)
	assert(t, ok, "expected a *Trap, got %v (%T)", err, err)
	assert(t, trap.Kind == TrapDivideByZero, "expected divide-by-zero kind, got %d", trap.Kind)
}

func TestDivideByZeroVectorsToInstalledHandler(t *testing.T) {
	c, mem := newTestCPU(t)
	const handlerPC = 4096

	w := newCodeWriter(t, mem, 0)
	w.emit(opSETHANDLER, 81, 0, 0, true, handlerPC)
	w.emit(opMOV, reg60, 81, 0, false, 10)
	w.emit(opMOV, 61, 81, 0, false, 0)
	w.emit(opDIV, reg60, reg60, 61, false)
	resumeAt := w.addr
	w.emit(opNOP, 0, 0, 0, false)

	h := newCodeWriter(t, mem, handlerPC)
	h.emit(opNOP, 0, 0, 0, false)

	for i := 0; i < 3; i++ {
		assert(t, c.Step() == nil, "setup step %d failed", i)
	}
	assert(t, c.Step() == nil, "DIV should vector to handler rather than error")
	assert(t, c.PC() == handlerPC, "expected pc at handler, got %d", c.PC())
	assert(t, c.Special(SpecialTrapKind) == TrapDivideByZero, "expected recorded trap kind")
	// Resume point recorded is the instruction after the faulting DIV, per
	// the resolved Open Question.
	assert(t, c.Special(SpecialFaultPC) == resumeAt, "expected fault resume pc %d, got %d", resumeAt, c.Special(SpecialFaultPC))
}

func TestIretRestoresFullFlagsCell(t *testing.T) {
	c, _ := newTestCPU(t)
	c.SetSpecial(SpecialFaultPC, 512)
	c.Set(60, FlagEqual|FlagPrivilege)
	err := c.iret()
	assert(t, err == nil, "iret failed: %v", err)
	assert(t, c.PC() == 512, "expected pc restored to 512, got %d", c.PC())
	assert(t, c.Flags() == FlagEqual|FlagPrivilege, "expected full flags restore, got %#x", c.Flags())
}

func TestMemoryPermissionTrapOnWriteToReadOnlyData(t *testing.T) {
	c, mem := newTestCPU(t)
	c.SetFlags(FlagPrivilege) // user mode: bit 3 set, so permission checks apply
	w := newCodeWriter(t, mem, 0)
	w.emit(opMOV, reg60, 81, 0, false, memory.DataBegin)
	w.emit(opMOV, 61, 81, 0, false, 7)
	// MOV [r60+0], r61 -- offset tag 83, packed base reg + zero displacement.
	w.emit(opMOV, 83, 61, 0, false, uint64(reg60)<<offsetShift)

	assert(t, c.Step() == nil, "setup step 1 failed")
	assert(t, c.Step() == nil, "setup step 2 failed")
	err := c.Step()
	trap, ok := err.(*Trap)
	assert(t, ok, "expected a *Trap for write to read-only Data, got %v", err)
	assert(t, trap.Kind == TrapMemoryPermission, "expected memory-permission kind, got %d", trap.Kind)
}

// TestPrivilegedInstructionTrapsWithoutPrivBit exercises spec §4.5's
// privilege check directly: SETHANDLER traps unless its own instruction
// word's priv bit is set, regardless of the CPU's supervisor-mode flags
// bit (which only gates memory-permission bypass, not this check).
func TestPrivilegedInstructionTrapsWithoutPrivBit(t *testing.T) {
	c, mem := newTestCPU(t)
	w := newCodeWriter(t, mem, 0)
	w.emit(opSETHANDLER, 81, 0, 0, false, 128)

	err := c.Step()
	trap, ok := err.(*Trap)
	assert(t, ok, "expected a *Trap for SETHANDLER without its priv bit set, got %v", err)
	assert(t, trap.Kind == TrapPrivilegeViolation, "expected privilege-violation kind, got %d", trap.Kind)
}

// TestPrivilegedInstructionWithPrivBitSucceedsRegardlessOfFlags confirms
// the converse: a correctly-encoded priv bit lets the instruction through
// even in user mode (flags bit 3 set), since the two concepts are
// independent.
func TestPrivilegedInstructionWithPrivBitSucceedsRegardlessOfFlags(t *testing.T) {
	c, mem := newTestCPU(t)
	c.SetFlags(FlagPrivilege) // user mode: bit 3 set
	w := newCodeWriter(t, mem, 0)
	w.emit(opSETHANDLER, 81, 0, 0, true, 128)

	assert(t, c.Step() == nil, "expected SETHANDLER with priv bit set to succeed regardless of flags")
	assert(t, c.Special(SpecialHandlerPC) == 128, "expected handler pc installed, got %d", c.Special(SpecialHandlerPC))
}

func TestPushPopRoundtrip(t *testing.T) {
	c, mem := newTestCPU(t)
	w := newCodeWriter(t, mem, 0)
	w.emit(opMOV, reg60, 81, 0, false, 99)
	w.emit(opPUSH, reg60, 0, 0, false)
	w.emit(opMOV, reg60, 81, 0, false, 0)
	w.emit(opPOP, reg60, 0, 0, false)

	assert(t, c.Step() == nil, "MOV failed")
	assert(t, c.Step() == nil, "PUSH failed")
	assert(t, c.Get(reg60) == 99, "register unexpectedly clobbered before second MOV")
	assert(t, c.Step() == nil, "MOV 0 failed")
	assert(t, c.Get(reg60) == 0, "expected register cleared")
	assert(t, c.Step() == nil, "POP failed")
	assert(t, c.Get(reg60) == 99, "expected POP to restore pushed value, got %d", c.Get(reg60))
}

func TestCmpOrsFlagsRatherThanOverwriting(t *testing.T) {
	c, _ := newTestCPU(t)
	c.Set(reg60, 5)
	c.Set(61, 5)
	err := c.compareInt(Operand{Kind: OperandReg, Reg: reg60}, Operand{Kind: OperandReg, Reg: 61})
	assert(t, err == nil, "compareInt failed: %v", err)
	assert(t, c.Flags()&FlagEqual != 0, "expected equal flag set")

	c.Set(62, 1)
	err = c.compareInt(Operand{Kind: OperandReg, Reg: reg60}, Operand{Kind: OperandReg, Reg: 62})
	assert(t, err == nil, "second compareInt failed: %v", err)
	assert(t, c.Flags()&FlagEqual != 0, "expected equal flag to remain set after a second compare")
	assert(t, c.Flags()&FlagGreater != 0, "expected greater flag also set, got %#b", c.Flags())
}

func TestFloatRegisterRoundtripAndNaNPreservation(t *testing.T) {
	c, _ := newTestCPU(t)
	nan := math.NaN()
	c.SetF(3, nan)
	assert(t, math.Float64bits(c.GetF(3)) == math.Float64bits(nan), "expected bit-exact NaN roundtrip")
}

func TestRetWithEmptyCallStackTerminates(t *testing.T) {
	c, mem := newTestCPU(t)
	w := newCodeWriter(t, mem, 0)
	w.emit(opRET, 0, 0, 0, false)

	err := c.Step()
	assert(t, err == nil, "RET failed: %v", err)
	assert(t, c.Terminated, "expected Terminated after RET with empty call stack")
}

func TestCallPushesReturnAddressAndRetRestoresIt(t *testing.T) {
	c, mem := newTestCPU(t)
	const callee = 4096
	w := newCodeWriter(t, mem, 0)
	w.emit(opCALL, 81, 0, 0, false, callee)
	continuation := w.addr
	w.emit(opNOP, 0, 0, 0, false) // return lands here

	ce := newCodeWriter(t, mem, callee)
	ce.emit(opRET, 0, 0, 0, false)

	assert(t, c.Step() == nil, "CALL failed")
	assert(t, c.PC() == callee, "expected pc at callee, got %d", c.PC())
	assert(t, c.Step() == nil, "RET failed")
	assert(t, c.PC() == continuation, "expected pc restored to call site continuation, got %d", c.PC())
	assert(t, !c.Terminated, "RET into a real return address must not terminate")
}

func TestUnknownOpcodeTrapsAsIllegalOpcode(t *testing.T) {
	c, mem := newTestCPU(t)
	w := newCodeWriter(t, mem, 0)
	w.emit(999, 0, 0, 0, false)

	err := c.Step()
	trap, ok := err.(*Trap)
	assert(t, ok, "expected a *Trap, got %v", err)
	assert(t, trap.Kind == TrapIllegalOpcode, "expected illegal-opcode kind, got %d", trap.Kind)
}
