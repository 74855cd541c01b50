package nvmedrv

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvOptions configures the process-wide driver environment (hugepage memory,
// core mask, device access). Zero values of the numeric fields mean "engine
// default" except where noted.
type EnvOptions struct {
	Name       string   `yaml:"name"`
	ShmID      int      `yaml:"shm_id"`
	CoreMask   string   `yaml:"core_mask"`
	MainCore   int      `yaml:"main_core"`
	MemSizeMB  int      `yaml:"mem_size_mb"`
	HugeDir    string   `yaml:"huge_dir"`
	NoPCI      bool     `yaml:"no_pci"`
	PCIAllowed []string `yaml:"pci_allowed"`
}

// DefaultEnvOptions returns the options used when the caller has no
// preference. ShmID and MainCore of -1 leave the choice to the engine.
func DefaultEnvOptions() EnvOptions {
	return EnvOptions{
		Name:     "nvmedirect",
		ShmID:    -1,
		CoreMask: "0x1",
		MainCore: -1,
	}
}

// Validate checks the options before they reach a native engine.
func (o EnvOptions) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("env name is required")
	}
	if o.ShmID < -1 {
		return fmt.Errorf("shm_id must be -1 or a non-negative id, got %d", o.ShmID)
	}
	if o.MainCore < -1 {
		return fmt.Errorf("main_core must be -1 or a core index, got %d", o.MainCore)
	}
	if o.MemSizeMB < 0 {
		return fmt.Errorf("mem_size_mb must not be negative, got %d", o.MemSizeMB)
	}
	mask, ok := strings.CutPrefix(strings.ToLower(o.CoreMask), "0x")
	if !ok || mask == "" {
		return fmt.Errorf("core_mask %q must be a hex mask like 0x1", o.CoreMask)
	}
	v, err := strconv.ParseUint(mask, 16, 64)
	if err != nil || v == 0 {
		return fmt.Errorf("core_mask %q must select at least one core", o.CoreMask)
	}
	if o.NoPCI && len(o.PCIAllowed) > 0 {
		return fmt.Errorf("pci_allowed conflicts with no_pci")
	}
	for _, addr := range o.PCIAllowed {
		if _, ok := NormalizePCIAddress(addr); !ok {
			return fmt.Errorf("pci_allowed entry %q is not a PCI address", addr)
		}
	}
	return nil
}
