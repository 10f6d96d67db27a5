package cpu

// Mnemonics maps source-level instruction names to their opcode number,
// the single source of truth the assembler and any future disassembler
// encode and decode against.
var Mnemonics = map[string]uint16{
	"NOP": opNOP,
	"MOV": opMOV,
	"ADD": opADD,
	"SUB": opSUB,
	"MUL": opMUL,
	"DIV": opDIV,
	"MOD": opMOD,
	"AND": opAND,
	"OR":  opOR,
	"XOR": opXOR,
	"SHL": opSHL,
	"SHR": opSHR,

	"JMP": opJMP,
	"JE":  opJE,
	"JNE": opJNE,
	"JGE": opJGE,
	"JGT": opJGT,
	"JLE": opJLE,
	"JLT": opJLT,

	"CALL": opCALL,

	"FMOV": opFMOV,
	"FADD": opFADD,
	"FSUB": opFSUB,
	"FMUL": opFMUL,
	"FDIV": opFDIV,
	"FMOD": opFMOD,

	"INC":  opINC,
	"DEC":  opDEC,
	"FINC": opFINC,
	"FDEC": opFDEC,

	"SET":   opSET,
	"CLEAR": opCLEAR,

	"FPUSH": opFPUSH,
	"FPOP":  opFPOP,
	"PUSH":  opPUSH,
	"POP":   opPOP,

	"LEA": opLEA,
	"RET": opRET,
	"CMP": opCMP,

	"FCMP": opFCMP,

	"SETHANDLER": opSETHANDLER,
	"IRET":       opIRET,
	"GDTADD":     opGDTADD,

	"SYSCALL": opSYSCALL,
}

// PrivilegedOps names the mnemonics that require their own instruction
// word's priv bit set, per spec §4.5/§4.6. That bit is only ever set on
// instructions belonging to a .firmware-tagged function (object.FIRMWARE),
// so these mnemonics are only usable, without guaranteeing a trap, from
// firmware code; the assembler rejects their use anywhere else.
var PrivilegedOps = map[string]bool{
	"SETHANDLER": true,
	"IRET":       true,
	"GDTADD":     true,
	"SYSCALL":    true,
}

// RegisterNames maps the named registers (as opposed to the bN/hN/wN/rN
// numbered views) to their ids, per spec §3. flags (id 81) has no named
// mnemonic here: it shares its id with the int-immediate operand tag, so
// it is never directly operand-addressable and is only ever touched by
// the implicit semantics of CMP/FCMP, the conditional jumps and IRET.
var RegisterNames = map[string]uint8{
	"sp": RegSP,
}
