package codecache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mapExecutable copies code into a fresh anonymous mapping, then flips
// it from RW to RX so the page is never simultaneously writable and
// executable. Grounded on tinyrange-cc's createAssemblyTrampoline: mmap
// PROT_READ|PROT_WRITE first (so copy works at all), then Mprotect down
// to PROT_READ|PROT_EXEC once the bytes are in place.
//
// It returns both the RX slice (what a CompiledBlock runs) and the full
// mapped region (what must be passed to unmapExecutable), which are the
// same slice here since there is no separate BSS region the way
// tinyrange-cc's relocatable assembly fragments need.
func mapExecutable(code []byte) (rx []byte, full []byte, err error) {
	if len(code) == 0 {
		return nil, nil, fmt.Errorf("codecache: cannot map empty code")
	}

	pageSize := unix.Getpagesize()
	allocSize := ((len(code) + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap executable region: %w", err)
	}

	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, nil, fmt.Errorf("mprotect executable region: %w", err)
	}

	return mem[:len(code)], mem, nil
}

// unmapExecutable releases a region obtained from mapExecutable. Called
// with the full (page-rounded) slice, never the RX-trimmed one, since
// Munmap requires the original mapping's address and length.
func unmapExecutable(mem []byte) error {
	if mem == nil {
		return nil
	}

	return unix.Munmap(mem)
}
