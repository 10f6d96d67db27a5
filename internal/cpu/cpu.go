package cpu

import (
	"fmt"

	"github.com/pkg/errors"

	"blitzvm/internal/codec"
	"blitzvm/internal/memory"
)

const (
	magic = 0x0AFC
	major = 1
	minor = 0
)

// HostFatal is a non-recoverable error: a malformed image header, an
// operand of the wrong kind for its instruction, or any other
// configuration-time problem that the guest cannot catch with a handler.
// It always unwinds the dispatch loop.
type HostFatal struct {
	msg string
}

func (e *HostFatal) Error() string { return e.msg }

func fatalf(format string, args ...any) error {
	return errors.WithStack(&HostFatal{msg: fmt.Sprintf(format, args...)})
}

// Trap is a guest-recoverable fault. It is carried as a plain Go value,
// the same way vm/vm.go's errcode field is an in-band signal rather than a
// wrapped diagnostic — traps are control flow, not logging.
type Trap struct {
	Kind  uint64
	PC    uint64
	Datum uint64
}

func (t *Trap) Error() string {
	return fmt.Sprintf("unhandled trap kind=%d at pc=%d datum=%d", t.Kind, t.PC, t.Datum)
}

// Cpu is the execution engine: 20 general cells with 8/16/32/64-bit
// aliasing, 20 FP cells, sp, flags, 6 special slots, a memory map it owns
// exclusively, and a host-side call/return stack.
type Cpu struct {
	cells   [NumGeneralCells]uint64
	fregs   [NumFPCells]float64
	sp      uint64
	flags   uint64
	special [NumSpecialCells]uint64

	pc        uint64
	mem       *memory.Memory
	callStack []uint64 // host-side call/return depth stack

	// Terminated is set once RET pops an empty call stack: normal
	// program termination.
	Terminated bool
}

// New creates a CPU wired to mem, with the stack pointer initialized to
// one past the end of the Stack segment (matching the teacher's
// "indexing this will trigger a seg fault" sentinel placement in
// vm/vm.go's NewVirtualMachine).
func New(mem *memory.Memory) *Cpu {
	c := &Cpu{mem: mem}
	if seg, ok := findSegment(mem, "Stack"); ok {
		c.sp = seg.End + 1
	}
	return c
}

func findSegment(mem *memory.Memory, name string) (memory.Segment, bool) {
	for _, s := range mem.Segments() {
		if s.Name == name {
			return s, true
		}
	}
	return memory.Segment{}, false
}

// Memory exposes the CPU's owned memory map, e.g. for the runtime driver's
// -debug dump.
func (c *Cpu) Memory() *memory.Memory { return c.mem }

// Header fields read back from a loaded image, validated by Init.
type Header struct {
	Magic      uint32
	Major      uint16
	Minor      uint16
	StartPC    uint64
	DataOffset uint64
}

// Init validates the image header read back by the loader and positions
// pc at the header's start offset. It is the runtime
// counterpart of the assembler/loader contract in spec §4.7/§6.
func (c *Cpu) Init(h Header) error {
	if h.Magic != magic {
		return fatalf("not a blitz executable (bad magic 0x%X)", h.Magic)
	}
	if h.Major > major || (h.Major == major && h.Minor > minor) {
		return fatalf("unsupported blitz version %d.%d", h.Major, h.Minor)
	}
	c.pc = h.StartPC
	return nil
}

// pushWord / popWord operate on the 8-byte wide stack slots that
// PUSH/POP/CALL/FPUSH/FPOP/RET all use (spec §4.5 opcodes 19/32-35/37).
func (c *Cpu) pushWord(v uint64) error {
	c.sp -= 8
	return c.mem.RawWrite(c.sp, c.sp+7, u64ToBytes(v), c.Privileged())
}

func (c *Cpu) popWord() (uint64, error) {
	b, err := c.mem.RawRead(c.sp, c.sp+7, c.Privileged())
	if err != nil {
		return 0, err
	}
	c.sp += 8
	return codec.U64FromBytes(b), nil
}

func u64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	codec.U64ToBytes(v, b)
	return b
}
