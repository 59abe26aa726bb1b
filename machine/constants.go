package machine

const (
	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000

	initrdAddr  = 0xf000000
	highMemBase = 0x100000

	serialIRQ = 4

	MinMemSize = 1 << 25
)

const (
	// Poison is an instruction that should force a translation fault
	// into an exit rather than silent wrong execution: it fills memory
	// above the load region to make running off the end of loaded code
	// easy to diagnose.
	// Disassembly:
	// 0:  b8 be ba fe ca          mov    eax,0xcafebabe
	// 5:  90                      nop
	// 6:  0f 0b                   ud2
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)
