package firmware_test

import (
	"bytes"
	"testing"

	"github.com/nexaos/nvm/bootparam"
	"github.com/nexaos/nvm/firmware"
)

func TestPhaseStringCoversEveryPhase(t *testing.T) {
	t.Parallel()

	for p := firmware.Reset; ; {
		if p.String() == "" {
			t.Fatalf("phase %d has no name", p)
		}

		next, ok := p.Next()
		if !ok {
			break
		}

		p = next
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	t.Parallel()

	last := -1

	for p := firmware.Reset; ; {
		got := p.Progress()
		if got < last {
			t.Fatalf("progress went backwards at %s: %d < %d", p, got, last)
		}

		last = got

		next, ok := p.Next()
		if !ok {
			break
		}

		p = next
	}

	if last != 100 {
		t.Fatalf("expected the final phase's progress to be 100, got %d", last)
	}
}

func TestAdvanceWalksResetToRtVirtualMode(t *testing.T) {
	t.Parallel()

	mgr := firmware.NewManager(firmware.Config{Type: firmware.UEFI})

	if mgr.Phase() != firmware.Reset {
		t.Fatalf("expected a fresh Manager to start at Reset, got %s", mgr.Phase())
	}

	for i := 0; i < 64 && mgr.Phase() != firmware.RtVirtualMode; i++ {
		mgr.Advance(false)
	}

	if mgr.Phase() != firmware.RtVirtualMode {
		t.Fatalf("expected to reach RtVirtualMode, stuck at %s", mgr.Phase())
	}
}

func TestAdvanceDetoursThroughSetupMenuWhenRequested(t *testing.T) {
	t.Parallel()

	mgr := firmware.NewManager(firmware.Config{Type: firmware.UEFI})

	for mgr.Phase() != firmware.BdsWaitingForSetupKey {
		mgr.Advance(false)
	}

	if got := mgr.Advance(true); got != firmware.BdsSetupMenu {
		t.Fatalf("expected the setup-key detour to land on BdsSetupMenu, got %s", got)
	}
}

func TestBIOSConfigCollapsesOntoLegacyAliases(t *testing.T) {
	t.Parallel()

	mgr := firmware.NewManager(firmware.Config{Type: firmware.BIOS})

	for i := 0; i < 64 && mgr.Phase() != firmware.RtVirtualMode; i++ {
		if mgr.Phase() == firmware.BdsSetupMenu {
			t.Fatalf("a BIOS Manager should never report a UEFI-only phase")
		}

		mgr.Advance(true)
	}

	if mgr.Phase() != firmware.RtVirtualMode {
		t.Fatalf("expected a BIOS boot to still reach RtVirtualMode, stuck at %s", mgr.Phase())
	}
}

func TestSnapshotPointsAreASubsetOfPhases(t *testing.T) {
	t.Parallel()

	if !firmware.DxeLongMode.IsSnapshotPoint() {
		t.Fatalf("expected DxeLongMode to be a snapshot point")
	}

	if firmware.DxeGopInit.IsSnapshotPoint() {
		t.Fatalf("expected DxeGopInit to not be a snapshot point")
	}
}

func TestResetBootContextMatchesArchitecturalResetState(t *testing.T) {
	t.Parallel()

	mgr := firmware.NewManager(firmware.Config{Type: firmware.UEFI})

	ctx := mgr.ResetBootContext()
	if ctx.EntryPoint != 0xffff0 {
		t.Fatalf("expected the reset vector 0xFFFF0, got %#x", ctx.EntryPoint)
	}

	if ctx.StackPointer != 0x7c00 {
		t.Fatalf("expected the default stack pointer 0x7C00, got %#x", ctx.StackPointer)
	}

	if !ctx.RealMode {
		t.Fatalf("expected the reset context to start in real mode")
	}

	if ctx.RFLAGS != 0x00000002 {
		t.Fatalf("expected RFLAGS 0x2, got %#x", ctx.RFLAGS)
	}

	if ctx.IDT.Limit != 0x3ff {
		t.Fatalf("expected the real-mode IDT limit 0x3FF, got %#x", ctx.IDT.Limit)
	}
}

func TestProtectedModeBootContextUsesTheFlatGDT(t *testing.T) {
	t.Parallel()

	ctx := firmware.ProtectedModeBootContext(0x100000, 0x8000)

	if ctx.RealMode {
		t.Fatalf("expected a protected-mode context")
	}

	if ctx.CS.L != 0 || ctx.CS.DB != 1 {
		t.Fatalf("expected a 32-bit code segment, got L=%d DB=%d", ctx.CS.L, ctx.CS.DB)
	}

	if ctx.EntryPoint != 0x100000 || ctx.StackPointer != 0x8000 {
		t.Fatalf("expected the entry point and stack pointer to be passed through unchanged")
	}
}

// fakeBzImage builds the minimal byte prefix bootparam.New will accept: a
// zeroed boot_params page with the boot flag and header magic patched in
// at their documented offsets.
func fakeBzImage() []byte {
	raw := make([]byte, 0x1000)
	raw[0x1fe] = 0x55 // boot_flag low byte
	raw[0x1ff] = 0xaa // boot_flag high byte
	copy(raw[0x202:0x206], []byte{0x48, 0x64, 0x72, 0x53}) // "HdrS" little-endian

	return raw
}

func TestLinuxZeroPageBuildsAFourRegionMemoryMap(t *testing.T) {
	t.Parallel()

	mgr := firmware.NewManager(firmware.Config{Type: firmware.BIOS})

	bp, err := mgr.LinuxZeroPage(bytes.NewReader(fakeBzImage()), 0x20000, 0x1000000, 0x4000, 10, 0x100000, 0x40000000)
	if err != nil {
		t.Fatalf("LinuxZeroPage: %v", err)
	}

	if bp.E820Entries != 4 {
		t.Fatalf("expected 4 e820 entries, got %d", bp.E820Entries)
	}

	if bp.Hdr.RamdiskImage != 0x1000000 {
		t.Fatalf("expected RamdiskImage to be set, got %#x", bp.Hdr.RamdiskImage)
	}

	if bp.Hdr.LoadFlags&bootparam.CanUseHeap == 0 {
		t.Fatalf("expected CanUseHeap to be set in LoadFlags")
	}
}
