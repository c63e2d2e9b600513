// Package config holds the boot-time parameters that would otherwise be
// compiled-in constants. Rather than hard-code a paging depth, the
// page-table engine is parameterized over a Boot loaded here, so 3-, 4-,
// and 5-level layouts run through the same code.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Boot holds every knob the core subsystems read at initialization.
type Boot struct {
	// PageShift is the base-2 exponent of the page size.
	PageShift uint `yaml:"page_shift"`

	// NrLevels is the number of paging levels.
	NrLevels int `yaml:"nr_levels"`

	// EntriesPerFrame is the number of PTEs per table node.
	EntriesPerFrame int `yaml:"entries_per_frame"`

	// HighestTranslationLevel is the highest level at which a leaf (huge
	// page) mapping is legal.
	HighestTranslationLevel int `yaml:"highest_translation_level"`

	// DefaultRLimitAS is the default RLIMIT_AS, in bytes, applied to a
	// VMAR that does not override it.
	DefaultRLimitAS uint64 `yaml:"default_rlimit_as"`

	// DMABounceThreshold is a transfer size, in bytes, carried in the boot
	// parameters. No package in this module reads it; the dma package
	// chooses staging from dma.Attrs alone.
	DMABounceThreshold uint64 `yaml:"dma_bounce_threshold"`

	// ConfidentialVM enables the "unprotect GPA" hypercall path on MMIO
	// acquire and DMA prepare.
	ConfidentialVM bool `yaml:"confidential_vm"`
}

// PageSize returns 1 << PageShift.
func (b Boot) PageSize() int {
	return 1 << b.PageShift
}

// Default returns x86-64-shaped parameters: 4 paging levels, 512
// entries per table, huge-page leaves legal up to level 2, a 64MiB default
// address-space limit, and a 32KiB DMA bounce threshold.
func Default() Boot {
	return Boot{
		PageShift:               12,
		NrLevels:                4,
		EntriesPerFrame:         512,
		HighestTranslationLevel: 2,
		DefaultRLimitAS:         64 << 20,
		DMABounceThreshold:      32 << 10,
		ConfidentialVM:          false,
	}
}

// Load overlays a YAML file at path on top of Default, returning an error
// if the file cannot be read or parsed. A field absent from the file keeps
// its default; a field present in the file replaces the default, an
// explicit zero included.
func Load(path string) (Boot, error) {
	b := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Boot{}, err
	}
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Boot{}, err
	}
	return b, nil
}
