package asdf

import (
	"math"

	"github.com/asdf-format/asdf-go/internal/compression"
	"github.com/asdf-format/asdf-go/internal/parser"
)

// ParserFlags mirror parser.flags configuration options.
type ParserFlags uint32

const (
	// ParserEmitYAMLEvents produces one event per YAML node when iterating
	// parser events.
	ParserEmitYAMLEvents ParserFlags = 1 << iota
	// ParserBufferTree captures the YAML subrange so the tree document can
	// be built; set by default for the file interface.
	ParserBufferTree
)

// DecompMode selects the decompression strategy.
type DecompMode int

const (
	DecompAuto DecompMode = iota
	DecompEager
	DecompLazy
)

// EmitterFlags mirror emitter.flags configuration options.
type EmitterFlags uint32

const (
	// EmitEmpty writes the version lines even when there is no tree and no
	// blocks.
	EmitEmpty EmitterFlags = 1 << iota
	// NoBlockIndex suppresses the block index appendix.
	NoBlockIndex
	// EmitEmptyTree writes an empty tree document when the file has none.
	EmitEmptyTree
	// NoEmitEmptyTree suppresses tree emission for empty trees, overriding
	// EmitEmptyTree.
	NoEmitEmptyTree
)

// TagHandle maps a YAML tag handle to its expansion prefix for tag
// shortening on output.
type TagHandle struct {
	Handle string
	Prefix string
}

// DecompConfig holds the decomp.* options.
type DecompConfig struct {
	Mode DecompMode

	// MaxMemoryBytes is the hard ceiling before decompressed data spills to
	// a temp file; 0 means unlimited.
	MaxMemoryBytes uint64

	// MaxMemoryThreshold is a fraction of total system memory; 0 disables,
	// invalid values are ignored with a warning.
	MaxMemoryThreshold float64

	// ChunkSize is the preferred lazy chunk size in bytes, rounded up to a
	// page multiple; 0 means one page.
	ChunkSize int

	// TmpDir overrides the spill directory (fallback: ASDF_TMPDIR, TMPDIR,
	// /tmp).
	TmpDir string
}

// EmitterConfig holds the emitter.* options.
type EmitterConfig struct {
	Flags      EmitterFlags
	TagHandles []TagHandle
}

// Config carries all recognised options of a File.
type Config struct {
	ParserFlags ParserFlags
	Decomp      DecompConfig
	Emitter     EmitterConfig

	// MaxStreamedBlockSize bounds how many bytes a streamed block (header
	// flag bit 0) may read to EOF; 0 means unlimited.
	MaxStreamedBlockSize uint64
}

// buildConfig overlays user settings onto the defaults.
func buildConfig(user *Config) *Config {
	cfg := &Config{
		// The high-level file interface ignores individual YAML events and
		// stores the tree for parsing into a document later.
		ParserFlags: ParserBufferTree,
	}
	if user != nil {
		if user.ParserFlags != 0 {
			cfg.ParserFlags = user.ParserFlags
		}
		if user.Decomp.Mode != DecompAuto {
			cfg.Decomp.Mode = user.Decomp.Mode
		}
		if user.Decomp.MaxMemoryBytes != 0 {
			cfg.Decomp.MaxMemoryBytes = user.Decomp.MaxMemoryBytes
		}
		if user.Decomp.MaxMemoryThreshold != 0 {
			cfg.Decomp.MaxMemoryThreshold = user.Decomp.MaxMemoryThreshold
		}
		if user.Decomp.ChunkSize != 0 {
			cfg.Decomp.ChunkSize = user.Decomp.ChunkSize
		}
		if user.Decomp.TmpDir != "" {
			cfg.Decomp.TmpDir = user.Decomp.TmpDir
		}
		if user.Emitter.Flags != 0 {
			cfg.Emitter.Flags = user.Emitter.Flags
		}
		if user.Emitter.TagHandles != nil {
			cfg.Emitter.TagHandles = user.Emitter.TagHandles
		}
		if user.MaxStreamedBlockSize != 0 {
			cfg.MaxStreamedBlockSize = user.MaxStreamedBlockSize
		}
	}
	return cfg
}

func (cfg *Config) validate(ctx *Context) {
	t := cfg.Decomp.MaxMemoryThreshold
	if t < 0 || t > 1 || math.IsNaN(t) {
		ctx.warnf("invalid config value for decomp.max_memory_threshold; the setting will be disabled (expected >= 0.0 and <= 1.0, got %g)", t)
		cfg.Decomp.MaxMemoryThreshold = 0
	}
}

func (cfg *Config) parserConfig() parser.Config {
	var flags parser.Flags
	if cfg.ParserFlags&ParserEmitYAMLEvents != 0 {
		flags |= parser.FlagEmitYAMLEvents
	}
	if cfg.ParserFlags&ParserBufferTree != 0 {
		flags |= parser.FlagBufferTree
	}
	return parser.Config{Flags: flags, MaxStreamedBlockSize: cfg.MaxStreamedBlockSize}
}

func (cfg *Config) decompOptions() *compression.Options {
	mode := compression.ModeAuto
	switch cfg.Decomp.Mode {
	case DecompEager:
		mode = compression.ModeEager
	case DecompLazy:
		mode = compression.ModeLazy
	}
	return &compression.Options{
		Mode:               mode,
		MaxMemoryBytes:     cfg.Decomp.MaxMemoryBytes,
		MaxMemoryThreshold: cfg.Decomp.MaxMemoryThreshold,
		ChunkSize:          cfg.Decomp.ChunkSize,
		TmpDir:             cfg.Decomp.TmpDir,
	}
}

// tagHandles returns the configured handles plus the default "!" handle.
func (cfg *Config) tagHandles() []TagHandle {
	handles := append([]TagHandle(nil), cfg.Emitter.TagHandles...)
	for _, h := range handles {
		if h.Handle == "!" {
			return handles
		}
	}
	return append(handles, TagHandle{Handle: "!", Prefix: CoreTagPrefix})
}
