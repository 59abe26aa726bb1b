package vmm

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/nexaos/nvm/machine"
	"github.com/nexaos/nvm/term"
)

// Config carries the boot-time parameters flag.BootArgs parsed from the
// command line down to the orchestrator that wires them into a Machine.
type Config struct {
	Kernel     string
	Initrd     string
	Params     string
	NCPUs      int
	MemSize    int
	TraceCount int
}

// VMM owns the Machine for one guest and drives it from boot to exit,
// the way the teacher's VMM drove a /dev/kvm-backed Machine. There is no
// kvm device, tap interface or disk here: every vCPU runs the JIT
// dispatch loop directly against host memory.
type VMM struct {
	*machine.Machine
	Config
}

func New(c Config) *VMM {
	return &VMM{
		Machine: nil,
		Config:  c,
	}
}

// Init instantiates the Machine.
func (v *VMM) Init() error {
	m, err := machine.New(v.NCPUs, v.MemSize)
	if err != nil {
		return err
	}

	v.Machine = m

	return nil
}

func (v *VMM) Setup() error {
	kern, err := os.Open(v.Kernel)
	if err != nil {
		return err
	}

	var initrd *os.File
	if len(v.Initrd) > 0 {
		initrd, err = os.Open(v.Initrd)
		if err != nil {
			return err
		}
	} else {
		initrd, err = os.Open(os.DevNull)
		if err != nil {
			return err
		}
	}

	return v.Machine.LoadLinux(kern, initrd, v.Params)
}

// Boot starts every vCPU's dispatch loop and wires the host terminal to
// the emulated serial console, mirroring the teacher's stdin-to-COM1
// forwarding but with no ioctl translation/trace-step plumbing left:
// TraceCount instead periodically dumps each vCPU's recent event trace.
func (v *VMM) Boot() error {
	var wg sync.WaitGroup

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		fmt.Printf("Start CPU %d of %d\r\n", cpu, v.NCPUs)

		wg.Add(1)

		go func(cpu int) {
			defer wg.Done()

			if err := v.RunInfiniteLoop(cpu); err != nil && !errors.Is(err, machine.ErrWriteToCF9) {
				log.Printf("cpu%d: %v", cpu, err)
			}
		}(cpu)
	}

	if v.TraceCount > 0 {
		go v.traceLoop()
	}

	restoreMode, err := term.SetRawMode()
	if err != nil {
		fmt.Fprintln(os.Stderr, "stdin is not a terminal, not forwarding console input")
		wg.Wait()

		return nil
	}

	defer restoreMode()

	var before byte

	in := bufio.NewReader(os.Stdin)

	go func() {
		for {
			b, err := in.ReadByte()
			if err != nil {
				log.Printf("%v", err)

				break
			}

			v.GetInputChan() <- b

			if err := v.InjectSerialIRQ(); err != nil {
				log.Printf("InjectSerialIRQ: %v", err)
			}

			if before == 0x1 && b == 'x' {
				restoreMode()
				os.Exit(0)
			}

			before = b
		}
	}()

	fmt.Printf("Waiting for CPUs to exit\r\n")
	wg.Wait()
	fmt.Printf("All cpus done\n\r")

	return nil
}

// traceLoop periodically logs each vCPU's recent architectural events,
// the JIT-era replacement for the teacher's per-instruction SingleStep
// trace prints.
func (v *VMM) traceLoop() {
	ticker := time.NewTicker(time.Duration(v.TraceCount) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		for cpu := 0; cpu < v.NCPUs; cpu++ {
			events, err := v.Machine.Trace(cpu)
			if err != nil {
				continue
			}

			for _, e := range events {
				log.Printf("cpu%d: rip=%#x %s", cpu, e.RIP, e.Kind)
			}
		}
	}
}
