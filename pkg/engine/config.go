package engine

import "time"

// Config configures an Engine. Open fills each zero-valued field in with
// the defaults below, matching the teacher's "zero value means use
// default" convention for its buffer-pool/server config structs; the one
// exception is CheckpointInterval, where zero disables the loop.
type Config struct {
	// PageSize is the fixed page size, in bytes, used for every file the
	// engine creates. Existing files keep whatever size they were created
	// with; PageSize only governs new files.
	PageSize int

	// CacheCapacity is the maximum number of pages held in the page cache
	// at once, across all files.
	CacheCapacity int

	// WALSegmentSize caps a single WAL segment file before it rotates.
	WALSegmentSize int64

	// MaxPathLength is the configured file-name length limit. Open fills in
	// its default; no file name is checked against it.
	MaxPathLength int

	// MaxEmbeddedValueSize bounds a value stored inline in a prefix-tree
	// leaf; the tree itself spills a longer value to an overflow chain.
	MaxEmbeddedValueSize int

	// CheckpointInterval is how often the background checkpoint loop
	// runs. Zero disables the background loop; callers may still invoke
	// Engine.Checkpoint manually.
	CheckpointInterval time.Duration
}

const (
	defaultPageSize             = 64 << 10
	defaultCacheCapacity        = 4096
	defaultWALSegmentSize       = 100 << 20
	defaultMaxPathLength        = 255
	defaultMaxEmbeddedValueSize = 1 << 12
)

// withDefaults returns a copy of cfg with every zero-valued field filled
// in with its default. CheckpointInterval has no default: zero keeps the
// background loop off.
func (cfg Config) withDefaults() Config {
	if cfg.PageSize == 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.CacheCapacity == 0 {
		cfg.CacheCapacity = defaultCacheCapacity
	}
	if cfg.WALSegmentSize == 0 {
		cfg.WALSegmentSize = defaultWALSegmentSize
	}
	if cfg.MaxPathLength == 0 {
		cfg.MaxPathLength = defaultMaxPathLength
	}
	if cfg.MaxEmbeddedValueSize == 0 {
		cfg.MaxEmbeddedValueSize = defaultMaxEmbeddedValueSize
	}
	return cfg
}
