package machine

import (
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"unsafe"

	"github.com/nexaos/nvm/bootparam"
	"github.com/nexaos/nvm/codecache"
	"github.com/nexaos/nvm/decoder"
	"github.com/nexaos/nvm/deopt"
	"github.com/nexaos/nvm/ebda"
	"github.com/nexaos/nvm/firmware"
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/jit/s2"
	"github.com/nexaos/nvm/profile"
	"github.com/nexaos/nvm/serial"
	"github.com/nexaos/nvm/vcpu"
	"golang.org/x/sys/unix"
)

var ErrZeroSizeKernel = errors.New("kernel is 0 bytes")

// ErrWriteToCF9 indicates a write to cf9, the standard x86 reset port.
var ErrWriteToCF9 = fmt.Errorf("power cycle via 0xcf9")

// ErrBadCPU indicates a cpu number is invalid.
var ErrBadCPU = fmt.Errorf("bad cpu number")

// ErrUnexpectedExit indicates a block exited with a kind RunOnce does
// not know how to dispatch.
var ErrUnexpectedExit = fmt.Errorf("unexpected exit reason")

// ErrMemTooSmall indicates the requested memory size is too small.
var ErrMemTooSmall = fmt.Errorf("mem request must be at least 1<<20")

// defaultHotThreshold is the execution count above which codecache
// considers an S1 block worth recompiling at S2, matching the value
// codecache's own tests are grounded on.
const defaultHotThreshold = 1000

// Machine owns one guest's address space, its vCPUs, the code cache that
// translates and runs their instruction streams, and the firmware boot
// phase walk that hands each vCPU off to guest code. It replaces the
// teacher's /dev/kvm-backed Machine: there is no kernel hypervisor here,
// every guest instruction either runs as JIT'd native code or is decoded
// and re-translated by codecache.Ensure.
type Machine struct {
	mem []byte

	vcpus []*vcpu.VCPU
	cache *codecache.Cache
	fw    *firmware.Manager

	serial *serial.Serial

	ioportHandlers [0x10000][2]func(port uint64, bytes []byte) error
}

// New allocates guest memory and a vCPU, code cache and firmware manager
// for it. Unlike the teacher's New, there is no kvm device path, tap
// interface or disk to open: this Machine's only external resource is
// the anonymous memory mapping backing guest RAM.
func New(nCPUs int, memSize int) (*Machine, error) {
	if memSize < MinMemSize {
		return nil, ErrMemTooSmall
	}

	mem, err := unix.Mmap(-1, 0, memSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	// Poison memory above the load region: zero is a valid (NUL-padded)
	// instruction stream, and running off the end of loaded code into a
	// sea of zeros is nearly impossible to diagnose. Filling with a
	// ud2-terminated pattern instead forces a fast, visible exception.
	for i := highMemBase; i+len(Poison) <= len(mem); i += len(Poison) {
		copy(mem[i:], Poison)
	}

	vcpus := make([]*vcpu.VCPU, nCPUs)
	for i := range vcpus {
		vcpus[i] = vcpu.New(uint32(i))
	}

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), defaultHotThreshold)

	m := &Machine{
		mem:   mem,
		vcpus: vcpus,
		cache: cache,
		fw:    firmware.NewManager(firmware.Config{Type: firmware.BIOS}),
	}

	s, err := serial.New(m)
	if err != nil {
		return nil, err
	}

	m.serial = s

	e, err := ebda.New()
	if err != nil {
		return nil, fmt.Errorf("build ebda: %w", err)
	}

	eb, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("marshal ebda: %w", err)
	}

	copy(mem[bootparam.EBDAStart:], eb)

	m.initIOPortHandlers()

	return m, nil
}

// NCPUs reports how many vCPUs this Machine was built with, for callers
// sizing wait groups around RunInfiniteLoop.
func (m *Machine) NCPUs() int {
	return len(m.vcpus)
}

// LoadLinux loads a bzImage kernel and an optional initrd into guest
// memory and advances every vCPU's firmware manager far enough to hand
// control to the kernel's 32-bit protected-mode entry point, per the
// Linux/PVH direct-boot protocol. Unlike the teacher's LoadLinux, there
// is no raw SetupRegs/initSregs page-table construction here: the
// firmware package already knows how to build the FirmwareBootContext a
// 32-bit entry point expects.
func (m *Machine) LoadLinux(kernel, initrd io.ReaderAt, params string) error {
	initrdSize, err := initrd.ReadAt(m.mem[initrdAddr:], 0)
	if err != nil && initrdSize == 0 && !errors.Is(err, io.EOF) {
		return fmt.Errorf("initrd: (%v, %w)", initrdSize, err)
	}

	copy(m.mem[cmdlineAddr:], params)
	m.mem[cmdlineAddr+len(params)] = 0

	bp, err := m.fw.LinuxZeroPage(kernel, cmdlineAddr, initrdAddr, initrdSize, len(params), highMemBase, uint64(len(m.mem)))
	if err != nil {
		return fmt.Errorf("assemble zero page: %w", err)
	}

	bpBytes, err := bp.Bytes()
	if err != nil {
		return fmt.Errorf("marshal zero page: %w", err)
	}

	copy(m.mem[bootParamAddr:], bpBytes)

	setupSects := int(bp.Hdr.SetupSects + 1) * 512

	kernSize, err := kernel.ReadAt(m.mem[highMemBase:], int64(setupSects))
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("kernel: (%v, %w)", kernSize, err)
	}

	if kernSize == 0 {
		return ErrZeroSizeKernel
	}

	ctx := firmware.ProtectedModeBootContext(highMemBase, bootParamAddr)

	for _, v := range m.vcpus {
		m.fw.Reset()

		for {
			phase := m.fw.Advance(false)
			if phase == firmware.DxeLongMode {
				break
			}
		}

		v.ApplyFirmwareBootContext(ctx)
		v.SetRegisters(withBootParam(v.Registers(), bootParamAddr))
	}

	return nil
}

// withBootParam sets the register the 32-bit Linux boot protocol expects
// to carry a pointer to the zero page: ESI, per "Documentation/x86/boot.rst".
func withBootParam(r vcpu.GuestRegisters, addr uint64) vcpu.GuestRegisters {
	r.RSI = addr

	return r
}

// GetInputChan returns a chan <- byte for serial.
func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

// decoderModeFor maps a vCPU's architectural mode onto the decoder's
// coarser mode set: decoder.Mode only distinguishes the four encoding
// shapes (16-bit real, 32-bit protected/compat, 64-bit long), not the
// privilege-level or paging details vcpu.Mode also tracks.
func decoderModeFor(m vcpu.Mode) decoder.Mode {
	switch m {
	case vcpu.ModeReal:
		return decoder.ModeReal
	case vcpu.ModeLong64:
		return decoder.ModeLong
	default:
		return decoder.ModeProtected
	}
}

// RunInfiniteLoop drives one vCPU's dispatch loop until RunOnce reports a
// non-continuable error (or the host signals the goroutine via
// runtime.Goexit through a panic recovered higher up); ErrWriteToCF9
// marks a guest-initiated reset/power-cycle, which is the normal way a
// Linux guest stops.
func (m *Machine) RunInfiniteLoop(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cont, err := m.RunOnce(cpu)
		if cont {
			if err != nil {
				log.Printf("%v\r\n", err)
			}

			continue
		}

		return err
	}
}

// RunOnce translates (if needed) and executes one block of guest code on
// cpu, then dispatches on how it exited. It returns true when the
// dispatch loop should keep running this vCPU, matching the teacher's
// (isContinue, err) RunOnce contract.
func (m *Machine) RunOnce(cpu int) (bool, error) {
	if cpu < 0 || cpu >= len(m.vcpus) {
		return false, ErrBadCPU
	}

	v := m.vcpus[cpu]

	if pi, ok := v.NextInterrupt(); ok {
		m.deliver(v, pi)
	}

	if v.Halted() {
		return true, nil
	}

	regs := v.Registers()
	mode := decoderModeFor(v.Mode())
	reader := decoder.SliceReader{Base: 0, Data: m.mem}

	block, err := m.cache.Ensure(regs.RIP, mode, reader, v.CpuidView())
	if err != nil {
		return false, fmt.Errorf("cpu%d: translate at %#x: %w", cpu, regs.RIP, err)
	}

	ctx := regs.ToArray()
	word := callBlock(uintptr(unsafe.Pointer(&block.Code[0])), &ctx)

	nextRIP := word &^ (uint64(0xFF) << 56)
	kind := ir.ExitKind(word >> 56)

	regs = vcpu.FromArray(ctx)
	regs.RIP = nextRIP
	v.SetRegisters(regs)

	return m.dispatchExit(cpu, v, kind, block.Exit)
}

// dispatchExit routes one block's exit to the matching device/vCPU
// handler. kind is the live value decoded from the block's return word;
// reason is the block's static terminator payload (Port/Addr/Size/Value)
// that the ABI word itself does not carry.
func (m *Machine) dispatchExit(cpu int, v *vcpu.VCPU, kind ir.ExitKind, reason ir.ExitReason) (bool, error) {
	switch kind {
	case ir.ExitNormal:
		return true, nil

	case ir.ExitHalt:
		v.Halt()

		return true, nil

	case ir.ExitReset:
		m.fw.Reset()

		return false, ErrWriteToCF9

	case ir.ExitInterrupt:
		// The block ran to a point where an interrupt was already
		// pending and deliverable; NextInterrupt at the top of the
		// next RunOnce call picks it up.
		return true, nil

	case ir.ExitException:
		v.QueueException(vcpu.Vector(reason.Vector), reason.ErrorCode, reason.HasError)

		return true, nil

	case ir.ExitIoRead, ir.ExitIoWrite:
		return m.dispatchIO(cpu, kind, reason)

	case ir.ExitMmio:
		return m.dispatchMMIO(reason)

	case ir.ExitHypercall:
		return true, nil

	default:
		return false, fmt.Errorf("%w: %#x", ErrUnexpectedExit, kind)
	}
}

func (m *Machine) dispatchIO(cpu int, kind ir.ExitKind, reason ir.ExitReason) (bool, error) {
	direction := 0
	if kind == ir.ExitIoWrite {
		direction = 1
	}

	size := reason.Size
	if size == 0 {
		size = 1
	}

	buf := make([]byte, size)

	if direction == 1 {
		for i := range buf {
			buf[i] = byte(reason.Value >> (8 * uint(i)))
		}
	}

	f := m.ioportHandlers[reason.Port][direction]
	if f == nil {
		return false, fmt.Errorf("%w: unhandled io port 0x%x", ErrUnexpectedExit, reason.Port)
	}

	if err := f(uint64(reason.Port), buf); err != nil {
		return false, err
	}

	if direction == 0 {
		var value uint64
		for i := range buf {
			value |= uint64(buf[i]) << (8 * uint(i))
		}

		v := m.vcpus[cpu]
		regs := v.Registers()
		regs.RAX = (regs.RAX &^ 0xFFFFFFFF) | (value & 0xFFFFFFFF)
		v.SetRegisters(regs)
	}

	return true, nil
}

// dispatchMMIO applies a guest MMIO access directly against guest
// memory: this machine has no emulated device mapped outside of RAM, so
// every MMIO exit just reads or writes the backing byte slice.
func (m *Machine) dispatchMMIO(reason ir.ExitReason) (bool, error) {
	size := int(reason.Size)
	if size == 0 {
		size = 1
	}

	if reason.Addr+uint64(size) > uint64(len(m.mem)) {
		return false, fmt.Errorf("%w: mmio addr %#x out of range", ErrUnexpectedExit, reason.Addr)
	}

	if reason.HasValue {
		for i := 0; i < size; i++ {
			m.mem[reason.Addr+uint64(i)] = byte(reason.Value >> (8 * uint(i)))
		}
	}

	return true, nil
}

// deliver injects a pending interrupt or exception into the vCPU: a
// halted vCPU wakes on any deliverable interrupt, per spec's
// "HLT + pending interrupt" wakeup rule.
func (m *Machine) deliver(v *vcpu.VCPU, pi vcpu.PendingInterrupt) {
	if v.Halted() {
		v.Resume()
	}

	// Re-queue is unnecessary: NextInterrupt already dequeued pi. The
	// JIT core's interrupt-entry path (shared with vcpu.QueueException)
	// is responsible for pushing the guest's IRET frame the next time
	// this vCPU's block boundary is reached; recording it here as an
	// immediately-pending exception keeps the simple RunOnce loop
	// correct even before that path exists.
	v.QueueException(pi.Vector, pi.ErrorCode, pi.HasError)
}

func (m *Machine) registerIOPortHandler(
	start, end uint64,
	inHandler, outHandler func(port uint64, bytes []byte) error,
) {
	for i := start; i < end; i++ {
		m.ioportHandlers[i][0] = inHandler
		m.ioportHandlers[i][1] = outHandler
	}
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port 0x%x", ErrUnexpectedExit, port)
	}

	funcOutbCF9 := func(port uint64, bytes []byte) error {
		if len(bytes) == 1 && bytes[0] == 0xe {
			return fmt.Errorf("write 0xe to cf9: %w", ErrWriteToCF9)
		}

		return fmt.Errorf("write %#x to cf9: %w", bytes, ErrWriteToCF9)
	}

	funcInbPS2 := func(port uint64, bytes []byte) error {
		bytes[0] = 0x20

		return nil
	}

	m.registerIOPortHandler(0, 0x10000, funcError, funcError)    // default handler
	m.registerIOPortHandler(0xcf9, 0xcfa, funcNone, funcOutbCF9) // CF9
	m.registerIOPortHandler(0x3c0, 0x3db, funcNone, funcNone)    // VGA
	m.registerIOPortHandler(0x3b4, 0x3b6, funcNone, funcNone)    // VGA
	m.registerIOPortHandler(0x70, 0x72, funcNone, funcNone)      // CMOS clock
	m.registerIOPortHandler(0x80, 0xa0, funcNone, funcNone)      // DMA page registers
	m.registerIOPortHandler(0x2f8, 0x300, funcNone, funcNone)    // serial port 2
	m.registerIOPortHandler(0x3e8, 0x3f0, funcNone, funcNone)    // serial port 3
	m.registerIOPortHandler(0x2e8, 0x2f0, funcNone, funcNone)    // serial port 4
	m.registerIOPortHandler(0x60, 0x70, funcInbPS2, funcNone)    // PS/2 keyboard
	m.registerIOPortHandler(0xed, 0xee, funcNone, funcNone)      // standard delay port

	// Serial port 1 is the only device this machine actually emulates.
	m.registerIOPortHandler(serial.COM1Addr, serial.COM1Addr+8, m.serial.In, m.serial.Out)
}

// InjectSerialIRQ queues the serial controller's interrupt on every
// vCPU. There is no IOAPIC/PIC model here, so delivery is simplified to
// "every vCPU sees it," matching this Machine's single-vCPU-focused
// demonstration scope.
func (m *Machine) InjectSerialIRQ() error {
	for _, v := range m.vcpus {
		v.QueueInterrupt(vcpu.Vector(serialIRQ))
	}

	return nil
}

// Trace returns cpu's recent architectural event trace, for callers
// wanting a JIT-era replacement for the teacher's per-instruction
// SingleStep prints.
func (m *Machine) Trace(cpu int) ([]vcpu.Event, error) {
	if cpu < 0 || cpu >= len(m.vcpus) {
		return nil, ErrBadCPU
	}

	return m.vcpus[cpu].Trace(), nil
}

// ReadAt reads len(b) bytes of guest memory starting at guest-physical
// address off.
func (m *Machine) ReadAt(b []byte, off int64) (int, error) {
	return copy(b, m.mem[off:]), nil
}

// WriteAt writes b into guest memory starting at guest-physical address
// off.
func (m *Machine) WriteAt(b []byte, off int64) (int, error) {
	return copy(m.mem[off:], b), nil
}
