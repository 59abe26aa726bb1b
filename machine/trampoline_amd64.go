package machine

// callBlock calls into a mapped, executable CompiledBlock and returns the
// ABI word it exits with. Implemented in trampoline_amd64.s since Go gives
// no portable way to jump to a raw code pointer with a fixed calling
// convention.
func callBlock(entry uintptr, state *[18]uint64) uint64
