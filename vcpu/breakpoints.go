package vcpu

// Breakpoint is a debugger-inserted stop point at a guest linear address.
// Disabled breakpoints remain in the table but are never probed.
type Breakpoint struct {
	Addr    uint64
	Enabled bool
}

// InsertBreakpoint adds an enabled breakpoint at addr, or re-enables it if
// one already exists there.
func (v *VCPU) InsertBreakpoint(addr uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.s.breakpoints {
		if v.s.breakpoints[i].Addr == addr {
			v.s.breakpoints[i].Enabled = true

			return
		}
	}

	v.s.breakpoints = append(v.s.breakpoints, Breakpoint{Addr: addr, Enabled: true})
}

// RemoveBreakpoint deletes the breakpoint at addr, if any.
func (v *VCPU) RemoveBreakpoint(addr uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.s.breakpoints {
		if v.s.breakpoints[i].Addr == addr {
			v.s.breakpoints = append(v.s.breakpoints[:i], v.s.breakpoints[i+1:]...)

			return
		}
	}
}

// SetBreakpointEnabled toggles a breakpoint without removing it from the
// table.
func (v *VCPU) SetBreakpointEnabled(addr uint64, enabled bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.s.breakpoints {
		if v.s.breakpoints[i].Addr == addr {
			v.s.breakpoints[i].Enabled = enabled

			return
		}
	}
}

// ListBreakpoints returns a copy of the current breakpoint table.
func (v *VCPU) ListBreakpoints() []Breakpoint {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]Breakpoint, len(v.s.breakpoints))
	copy(out, v.s.breakpoints)

	return out
}

// ProbeBreakpoint reports whether addr is an enabled breakpoint and, if
// so, records a trace event. Neither the code cache nor the S1/S2
// compilers call it, so a breakpoint does not stop a compiled block.
func (v *VCPU) ProbeBreakpoint(addr uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, bp := range v.s.breakpoints {
		if bp.Enabled && bp.Addr == addr {
			v.recordEvent(Event{Kind: EventBreakpointHit})

			return true
		}
	}

	return false
}
