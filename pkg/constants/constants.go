package constants

// Translation cache defaults.
const (
	// CodeArenaSize is the default size of the executable code buffer.
	CodeArenaSize = 32 * 1024 * 1024
	// AverageTBSize is used to derive MaxTBs from the arena size so that a
	// full flush happens on arena exhaustion rather than on every block.
	AverageTBSize = 128
	// MaxTBs bounds the TB pool.
	MaxTBs = CodeArenaSize / AverageTBSize
	// TBHashBits sizes the pc and physical hash tables.
	TBHashBits = 15
	// MaxGuestInsnsPerTB bounds the number of guest instructions in one TB.
	MaxGuestInsnsPerTB = 512
	// SMCBitmapThreshold is the number of writes to a code page after which
	// a per-byte code bitmap is built for that page.
	SMCBitmapThreshold = 10
	// DefaultCacheLine is used when the host cache line size is unknown.
	DefaultCacheLine = 64
)

// Softmmu defaults.
const (
	// MaxMMUModes is the upper bound on independent TLB tables per CPU.
	MaxMMUModes = 6
	// TLBBits sizes each TLB table (1<<TLBBits entries).
	TLBBits = 8
)

// Dispatcher defaults.
const (
	// TBJmpCacheBits sizes the per-CPU virtual pc jump cache.
	TBJmpCacheBits = 12
)
