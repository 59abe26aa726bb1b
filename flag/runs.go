package flag

import (
	"fmt"
	"os"

	"github.com/nexaos/nvm/vcpu"
	"github.com/nexaos/nvm/vmm"
)

// Parse dispatches os.Args to the boot or probe subcommand.
func Parse() error {
	boot, probe, err := ParseArgs(os.Args)
	if err != nil {
		return err
	}

	if probe != nil {
		return runProbe(probe)
	}

	return runBoot(boot)
}

// runProbe prints the CPUID leaves this hypervisor presents to a guest.
// There is no real hardware to query here, unlike the teacher's
// KVM_GET_SUPPORTED_CPUID probe: the view a guest sees is entirely
// software-defined by vcpu.DefaultCpuidView, so printing it is the
// closest equivalent a caller deciding whether a kernel build will run
// under this hypervisor needs.
func runProbe(_ *ProbeArgs) error {
	view := vcpu.DefaultCpuidView()

	fmt.Printf("vendor=%s maxBasicLeaf=%#x maxExtendedLeaf=%#x\n",
		view.Vendor[:], view.MaxBasicLeaf, view.MaxExtendedLeaf)
	fmt.Printf("leaf1 ecx=%#08x edx=%#08x\n", view.FeaturesECX, view.FeaturesEDX)
	fmt.Printf("leaf0x80000001 ecx=%#08x edx=%#08x\n", view.ExtFeaturesECX, view.ExtFeaturesEDX)
	fmt.Printf("leaf7 ebx=%#08x ecx=%#08x edx=%#08x\n", view.StructExtEBX, view.StructExtECX, view.StructExtEDX)

	return nil
}

func runBoot(c *BootArgs) error {
	v := vmm.New(vmm.Config{
		Kernel:     c.Kernel,
		Initrd:     c.Initrd,
		Params:     c.Params,
		NCPUs:      c.NCPUs,
		MemSize:    c.MemSize,
		TraceCount: c.TraceCount,
	})

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}
