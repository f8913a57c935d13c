package dispatch

import (
	"github.com/ascrivener/dbt/pkg/constants"
	"github.com/ascrivener/dbt/pkg/softmmu"
	"github.com/ascrivener/dbt/pkg/tbcache"
)

// Config describes a cluster of CPUs sharing one translation cache.
type Config struct {
	CPUs  int            `yaml:"cpus"`
	Cache tbcache.Config `yaml:"cache"`
	TLB   softmmu.Config `yaml:"tlb"`
	CPU   CPUConfig      `yaml:"cpu"`
}

// CPUConfig holds the per-CPU dispatcher settings.
type CPUConfig struct {
	// JmpCacheBits sizes the virtual pc jump cache.
	JmpCacheBits int `yaml:"jmp_cache_bits"`
	// Budget is the number of guest instructions run between checks for
	// cancellation. Zero means unlimited.
	Budget int `yaml:"budget"`
	// MaxInsns stops the CPU after this many instructions. Zero means no
	// limit.
	MaxInsns int64 `yaml:"max_insns"`
	// NoChain disables direct block chaining.
	NoChain bool `yaml:"no_chain"`
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns a single-CPU configuration with built-in sizing.
func DefaultConfig() Config {
	return Config{
		CPUs:  1,
		Cache: tbcache.DefaultConfig(),
		TLB:   softmmu.Config{Modes: 2, Bits: constants.TLBBits},
		CPU: CPUConfig{
			JmpCacheBits: constants.TBJmpCacheBits,
			Budget:       100000,
		},
	}
}

func (c CPUConfig) withDefaults() CPUConfig {
	if c.JmpCacheBits <= 0 {
		c.JmpCacheBits = constants.TBJmpCacheBits
	}
	return c
}
