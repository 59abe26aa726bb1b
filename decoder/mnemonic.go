package decoder

// Mnemonic identifies the decoded operation, independent of operand
// width or addressing mode.
type Mnemonic uint16

const (
	Invalid Mnemonic = iota

	Mov
	Movzx
	Movsx
	Xchg
	Bswap
	Push
	Pop
	Pusha
	Popa
	Pushf
	Popf
	Lea

	Add
	Adc
	Sub
	Sbb
	Mul
	Imul
	Div
	Idiv
	Inc
	Dec
	Neg
	Cmp
	Test

	And
	Or
	Xor
	Not

	Shl
	Shr
	Sar
	Rol
	Ror
	Rcl
	Rcr

	Bt
	Bts
	Btr
	Btc
	Bsf
	Bsr

	Jmp
	Jcc
	Call
	Ret
	Retf
	Iret
	Int
	Int3
	Into
	Loop
	Loope
	Loopne
	Jcxz

	Movs
	Cmps
	Scas
	Lods
	Stos

	Clc
	Stc
	Cmc
	Cld
	Std
	Cli
	Sti

	Hlt
	Nop
	Cpuid
	Rdtsc
	Rdtscp
	Rdmsr
	Wrmsr
	Lgdt
	Sgdt
	Lidt
	Sidt
	Lldt
	Sldt
	Ltr
	Str
	Invlpg
	Wbinvd
	Clflush

	In
	Out
	Ins
	Outs
	Lmsw
	Smsw
	Clts

	Vmcall
	Vmlaunch
	Vmresume
	Vmxoff
	Vmrun
	Vmmcall
	Vmload
	Vmsave
	Stgi
	Clgi

	Syscall
	Sysret
	Sysenter
	Sysexit
	Cmpxchg
	Cmpxchg8b
	Xadd
	Pause
	Mfence
	Lfence
	Sfence

	vexCoded // placeholder mnemonic for any instruction carrying a VEX prefix

	mnemonicMax
)

var mnemonicNames = [...]string{
	Invalid: "invalid", Mov: "mov", Movzx: "movzx", Movsx: "movsx", Xchg: "xchg",
	Bswap: "bswap", Push: "push", Pop: "pop", Pusha: "pusha", Popa: "popa",
	Pushf: "pushf", Popf: "popf", Lea: "lea", Add: "add", Adc: "adc", Sub: "sub",
	Sbb: "sbb", Mul: "mul", Imul: "imul", Div: "div", Idiv: "idiv", Inc: "inc",
	Dec: "dec", Neg: "neg", Cmp: "cmp", Test: "test", And: "and", Or: "or",
	Xor: "xor", Not: "not", Shl: "shl", Shr: "shr", Sar: "sar", Rol: "rol",
	Ror: "ror", Rcl: "rcl", Rcr: "rcr", Bt: "bt", Bts: "bts", Btr: "btr",
	Btc: "btc", Bsf: "bsf", Bsr: "bsr", Jmp: "jmp", Jcc: "jcc", Call: "call",
	Ret: "ret", Retf: "retf", Iret: "iret", Int: "int", Int3: "int3",
	Into: "into", Loop: "loop", Loope: "loope", Loopne: "loopne", Jcxz: "jcxz",
	Movs: "movs", Cmps: "cmps", Scas: "scas", Lods: "lods", Stos: "stos",
	Clc: "clc", Stc: "stc", Cmc: "cmc", Cld: "cld", Std: "std", Cli: "cli",
	Sti: "sti", Hlt: "hlt", Nop: "nop", Cpuid: "cpuid", Rdtsc: "rdtsc",
	Rdtscp: "rdtscp", Rdmsr: "rdmsr", Wrmsr: "wrmsr", Lgdt: "lgdt", Sgdt: "sgdt",
	Lidt: "lidt", Sidt: "sidt", Lldt: "lldt", Sldt: "sldt", Ltr: "ltr",
	Str: "str", Invlpg: "invlpg", Wbinvd: "wbinvd", Clflush: "clflush",
	In: "in", Out: "out", Ins: "ins", Outs: "outs", Lmsw: "lmsw", Smsw: "smsw",
	Clts: "clts", Vmcall: "vmcall", Vmlaunch: "vmlaunch", Vmresume: "vmresume",
	Vmxoff: "vmxoff", Vmrun: "vmrun", Vmmcall: "vmmcall", Vmload: "vmload",
	Vmsave: "vmsave", Stgi: "stgi", Clgi: "clgi", Syscall: "syscall",
	Sysret: "sysret", Sysenter: "sysenter", Sysexit: "sysexit",
	Cmpxchg: "cmpxchg", Cmpxchg8b: "cmpxchg8b", Xadd: "xadd", Pause: "pause",
	Mfence: "mfence", Lfence: "lfence", Sfence: "sfence", vexCoded: "vex_coded",
}

func (m Mnemonic) String() string {
	if int(m) < len(mnemonicNames) && mnemonicNames[m] != "" {
		return mnemonicNames[m]
	}

	return "unknown"
}
