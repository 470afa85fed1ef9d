package codegen

import (
	"log/slog"

	"github.com/tinyrange/jit/internal/config"
	"github.com/tinyrange/jit/internal/timeslice"
)

// Options configure one compilation.
type Options struct {
	// Config tunes code generation. A zero value selects config.Default.
	Config config.Codegen
	// Runtime receives the final code. Nil selects an OfflineRuntime.
	Runtime Runtime
	// Logger receives debug output. Nil discards it.
	Logger *slog.Logger
	// Sink receives per-phase timings. It may be nil.
	Sink *timeslice.Sink
	// AdjustEstimate rewrites the size reserved for the final code.
	AdjustEstimate func(estimate int) int
}

var discardLogger = slog.New(slog.DiscardHandler)

func (o Options) withDefaults() Options {
	if o.Config.PageSize == 0 && o.Config.BlockInitThreshold == nil {
		o.Config = config.Default().Codegen
	}
	if o.Config.PageSize == 0 {
		o.Config.PageSize = config.Default().Codegen.PageSize
	}
	if o.Runtime == nil {
		o.Runtime = NewOfflineRuntime()
	}
	if o.Logger == nil {
		o.Logger = discardLogger
	}
	return o
}
