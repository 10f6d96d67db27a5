package cpu

import (
	"math"

	log "github.com/sirupsen/logrus"

	"blitzvm/internal/memory"
)

// Opcodes, per spec §4.5.
const (
	opNOP = 0
	opMOV = 1
	opADD = 2
	opSUB = 3
	opMUL = 4
	opDIV = 5
	opMOD = 6
	opAND = 7
	opOR  = 8
	opXOR = 9
	opSHL = 10
	opSHR = 11

	opJMP = 12
	opJE  = 13
	opJNE = 14
	opJGE = 15
	opJGT = 16
	opJLE = 17
	opJLT = 18

	opCALL = 19

	opFMOV = 20
	opFADD = 21
	opFSUB = 22
	opFMUL = 23
	opFDIV = 24
	opFMOD = 25

	opINC  = 26
	opDEC  = 27
	opFINC = 28
	opFDEC = 29

	opSET   = 30
	opCLEAR = 31

	opFPUSH = 32
	opFPOP  = 33
	opPUSH  = 34
	opPOP   = 35

	opLEA = 36
	opRET = 37
	opCMP = 38
	opFCMP = 39

	opSETHANDLER = 40
	opIRET       = 41
	opGDTADD     = 42

	opSYSCALL = 50
)

// throw raises a guest trap. Per the resolved Open Question (SPEC_FULL.md
// §9.1), the resume point recorded for a handled trap is the instruction
// immediately after the faulting one, not the fault site itself: resuming
// at the fault would re-trap forever on any condition that isn't cleared
// by the handler. An unknown operand tag is the one exception: the
// instruction's length cannot be determined, so decode records the
// faulting word's own pc. If no handler is installed, throw surfaces as a Trap
// value the dispatch loop cannot recover from and execution halts.
func (c *Cpu) throw(kind, faultPC, datum uint64) error {
	handler := c.Special(SpecialHandlerPC)
	if handler == 0 {
		log.WithFields(log.Fields{"kind": kind, "pc": faultPC, "datum": datum}).
			Error("unhandled trap, terminating dispatch loop")
		return &Trap{Kind: kind, PC: faultPC, Datum: datum}
	}
	c.SetSpecial(SpecialTrapKind, kind)
	c.SetSpecial(SpecialFaultPC, faultPC)
	c.SetSpecial(SpecialDatum, datum)
	c.pc = handler
	return nil
}

// Step decodes and executes exactly one instruction. It returns a non-nil
// error either when an unhandled Trap propagates out or when a HostFatal
// condition (malformed image, host-side resource exhaustion) occurs.
func (c *Cpu) Step() error {
	inst, err := c.decode(c.pc)
	if err != nil {
		return err
	}

	// SETHANDLER/IRET/GDTADD/SYSCALL require their own instruction word's
	// priv bit to be 1, per spec §4.5/§4.6. This is a property of the word
	// itself (only a .firmware function's instructions carry it, per
	// object.FIRMWARE), entirely separate from the CPU's supervisor-mode
	// flags bit, which only governs memory-permission bypass. Ordinary
	// opcodes never consult the priv bit at all.
	switch inst.opcode {
	case opSETHANDLER, opIRET, opGDTADD, opSYSCALL:
		if !inst.priv {
			return c.throw(TrapPrivilegeViolation, inst.nextPC, uint64(inst.opcode))
		}
	}

	c.pc = inst.nextPC
	return c.execute(inst)
}

// Run steps the CPU until RET unwinds an empty call stack (normal
// termination) or an error propagates.
func (c *Cpu) Run() error {
	for !c.Terminated {
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cpu) execute(inst decodedInstruction) error {
	a := inst.args
	switch inst.opcode {
	case opNOP:
		return nil

	case opMOV:
		v, err := c.intArg(a[1])
		if err != nil {
			return err
		}
		return c.storeInt(a[0], v)

	case opADD, opSUB, opMUL, opDIV, opMOD, opAND, opOR, opXOR, opSHL, opSHR:
		return c.intBinOp(inst.opcode, a[0], a[1], a[2])

	case opJMP:
		return c.jumpTo(a[0])
	case opJE:
		return c.condJump(c.Flags()&FlagEqual != 0, a[0])
	case opJNE:
		return c.condJump(c.Flags()&FlagEqual == 0, a[0])
	case opJGE:
		return c.condJump(c.Flags()&(FlagGreater|FlagEqual) != 0, a[0])
	case opJGT:
		return c.condJump(c.Flags()&FlagGreater != 0, a[0])
	case opJLE:
		return c.condJump(c.Flags()&(FlagLess|FlagEqual) != 0, a[0])
	case opJLT:
		return c.condJump(c.Flags()&FlagLess != 0, a[0])

	case opCALL:
		return c.call(a[0])
	case opRET:
		return c.ret()

	case opFMOV:
		v, err := c.floatArg(a[1])
		if err != nil {
			return err
		}
		return c.storeFloat(a[0], v)

	case opFADD, opFSUB, opFMUL, opFDIV, opFMOD:
		return c.floatBinOp(inst.opcode, a[0], a[1], a[2])

	case opINC:
		v, err := c.intArg(a[0])
		if err != nil {
			return err
		}
		return c.storeInt(a[0], v+1)
	case opDEC:
		v, err := c.intArg(a[0])
		if err != nil {
			return err
		}
		return c.storeInt(a[0], v-1)
	case opFINC:
		v, err := c.floatArg(a[0])
		if err != nil {
			return err
		}
		return c.storeFloat(a[0], v+1)
	case opFDEC:
		v, err := c.floatArg(a[0])
		if err != nil {
			return err
		}
		return c.storeFloat(a[0], v-1)

	case opSET:
		v, err := c.intArg(a[0])
		if err != nil {
			return err
		}
		bit, err := c.intArg(a[1])
		if err != nil {
			return err
		}
		return c.storeInt(a[0], v|bit)
	case opCLEAR:
		v, err := c.intArg(a[0])
		if err != nil {
			return err
		}
		bit, err := c.intArg(a[1])
		if err != nil {
			return err
		}
		return c.storeInt(a[0], v&^bit)

	case opPUSH:
		v, err := c.intArg(a[0])
		if err != nil {
			return err
		}
		return c.pushWord(v)
	case opPOP:
		v, err := c.popWord()
		if err != nil {
			return err
		}
		return c.storeInt(a[0], v)
	case opFPUSH:
		v, err := c.floatArg(a[0])
		if err != nil {
			return err
		}
		return c.pushWord(math.Float64bits(v))
	case opFPOP:
		v, err := c.popWord()
		if err != nil {
			return err
		}
		return c.storeFloat(a[0], math.Float64frombits(v))

	case opLEA:
		if a[1].Kind != OperandOffset {
			return fatalf("LEA requires an offset operand")
		}
		return c.storeInt(a[0], c.Get(a[1].Reg)+a[1].Disp)

	case opCMP:
		return c.compareInt(a[0], a[1])
	case opFCMP:
		return c.compareFloat(a[0], a[1])

	case opSETHANDLER:
		v, err := c.intArg(a[0])
		if err != nil {
			return err
		}
		c.SetSpecial(SpecialHandlerPC, v)
		return nil
	case opIRET:
		return c.iret()
	case opGDTADD:
		return c.gdtAdd(a)

	case opSYSCALL:
		return c.syscall(a[0])

	default:
		return c.throw(TrapIllegalOpcode, inst.nextPC, uint64(inst.opcode))
	}
}

func (c *Cpu) storeInt(dst Operand, v uint64) error {
	switch dst.Kind {
	case OperandReg:
		c.Set(dst.Reg, v)
		return nil
	case OperandOffset:
		addr := c.Get(dst.Reg) + dst.Disp
		if err := c.mem.RawWrite(addr, addr+7, u64ToBytes(v), c.Privileged()); err != nil {
			return c.throw(TrapMemoryPermission, c.pc, addr)
		}
		return nil
	default:
		return fatalf("destination operand must be a register or offset")
	}
}

func (c *Cpu) storeFloat(dst Operand, v float64) error {
	switch dst.Kind {
	case OperandReg:
		c.SetF(dst.Reg, v)
		return nil
	case OperandOffset:
		addr := c.Get(dst.Reg) + dst.Disp
		if err := c.mem.RawWrite(addr, addr+7, u64ToBytes(math.Float64bits(v)), c.Privileged()); err != nil {
			return c.throw(TrapMemoryPermission, c.pc, addr)
		}
		return nil
	default:
		return fatalf("destination operand must be a register or offset")
	}
}

func (c *Cpu) intBinOp(opcode uint16, dst, lhs, rhs Operand) error {
	l, err := c.intArg(lhs)
	if err != nil {
		return err
	}
	r, err := c.intArg(rhs)
	if err != nil {
		return err
	}

	var result uint64
	switch opcode {
	case opADD:
		result = l + r
	case opSUB:
		result = l - r
	case opMUL:
		result = l * r
	case opDIV:
		if r == 0 {
			return c.throw(TrapDivideByZero, c.pc, l)
		}
		result = l / r
	case opMOD:
		if r == 0 {
			return c.throw(TrapDivideByZero, c.pc, l)
		}
		result = l % r
	case opAND:
		result = l & r
	case opOR:
		result = l | r
	case opXOR:
		result = l ^ r
	case opSHL:
		result = l << (r & 63)
	case opSHR:
		result = l >> (r & 63)
	}
	return c.storeInt(dst, result)
}

func (c *Cpu) floatBinOp(opcode uint16, dst, lhs, rhs Operand) error {
	l, err := c.floatArg(lhs)
	if err != nil {
		return err
	}
	r, err := c.floatArg(rhs)
	if err != nil {
		return err
	}

	var result float64
	switch opcode {
	case opFADD:
		result = l + r
	case opFSUB:
		result = l - r
	case opFMUL:
		result = l * r
	case opFDIV:
		result = l / r
	case opFMOD:
		result = math.Mod(l, r)
	}
	return c.storeFloat(dst, result)
}

// compareInt ors the relevant flag bits in rather than clearing first:
// composing several CMPs (e.g. across a multi-word compare) accumulates
// bits instead of overwriting them (spec §4.5 note on CMP/FCMP).
func (c *Cpu) compareInt(lhs, rhs Operand) error {
	l, err := c.intArg(lhs)
	if err != nil {
		return err
	}
	r, err := c.intArg(rhs)
	if err != nil {
		return err
	}
	flags := c.Flags()
	switch {
	case l == r:
		flags |= FlagEqual
	case l > r:
		flags |= FlagGreater
	default:
		flags |= FlagLess
	}
	c.SetFlags(flags)
	return nil
}

func (c *Cpu) compareFloat(lhs, rhs Operand) error {
	l, err := c.floatArg(lhs)
	if err != nil {
		return err
	}
	r, err := c.floatArg(rhs)
	if err != nil {
		return err
	}
	flags := c.Flags()
	switch {
	case l == r:
		flags |= FlagEqual
	case l > r:
		flags |= FlagGreater
	default:
		flags |= FlagLess
	}
	c.SetFlags(flags)
	return nil
}

func (c *Cpu) jumpTarget(op Operand) (uint64, error) {
	target, err := c.intArg(op)
	if err != nil {
		return 0, err
	}
	if err := c.mem.CheckPermission(target, target+3, memory.Exec, c.Privileged()); err != nil {
		return 0, c.throw(TrapMemoryPermission, c.pc, target)
	}
	return target, nil
}

func (c *Cpu) jumpTo(op Operand) error {
	target, err := c.jumpTarget(op)
	if err != nil {
		return err
	}
	c.pc = target
	return nil
}

func (c *Cpu) condJump(taken bool, op Operand) error {
	if !taken {
		return nil
	}
	return c.jumpTo(op)
}

func (c *Cpu) call(op Operand) error {
	target, err := c.jumpTarget(op)
	if err != nil {
		return err
	}
	if err := c.pushWord(c.pc); err != nil {
		return err
	}
	c.callStack = append(c.callStack, c.pc)
	c.pc = target
	return nil
}

func (c *Cpu) ret() error {
	retPC, err := c.popWord()
	if err != nil {
		return err
	}
	if len(c.callStack) == 0 {
		c.Terminated = true
		return nil
	}
	c.callStack = c.callStack[:len(c.callStack)-1]
	c.pc = retPC
	return nil
}

// iret restores the pre-trap pc and the full 64-bit flags cell (the
// resolved Open Question, SPEC_FULL.md §9.2: the source's aliasing
// between cell 60 and the flags register means a narrow restore would
// silently drop the saved privilege bit).
func (c *Cpu) iret() error {
	c.pc = c.Special(SpecialFaultPC)
	c.SetFlags(c.Get(60))
	return nil
}

// gdtAdd installs a new GDT segment (begin, end, permission); the segment
// is anonymous from the guest's point of view and addressed thereafter by
// raw address, matching how CheckPermission and the raw accessors already
// resolve by range rather than by name. Reads permission from operand
// index 2, correcting the source's off-by-one (SPEC_FULL.md §9.3).
func (c *Cpu) gdtAdd(a [3]Operand) error {
	begin, err := c.intArg(a[0])
	if err != nil {
		return err
	}
	end, err := c.intArg(a[1])
	if err != nil {
		return err
	}
	perm, err := c.intArg(a[2])
	if err != nil {
		return err
	}
	c.mem.AddSegment(memory.Segment{Name: "dynamic", Begin: begin, End: end, Perm: memory.Permission(perm)})
	return nil
}

// syscall implements opcode 50. Kind 0 is the only host service spec §4.5
// defines: it formats the exception currently recorded in the special
// slots (trap kind, fault pc, datum) and terminates the dispatch loop.
// Any other kind is an unrecognized host service and raises IllegalOpcode.
func (c *Cpu) syscall(op Operand) error {
	n, err := c.intArg(op)
	if err != nil {
		return err
	}
	if n == 0 {
		log.WithFields(log.Fields{
			"kind":  c.Special(SpecialTrapKind),
			"pc":    c.Special(SpecialFaultPC),
			"datum": c.Special(SpecialDatum),
		}).Info("syscall 0: current exception")
		c.Terminated = true
		return nil
	}
	return c.throw(TrapIllegalOpcode, c.pc, n)
}
