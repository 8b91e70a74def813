package fabric

import (
	"go.uber.org/zap"

	"github.com/fabricwasm/fabric/internal/engine/compiler"
	"github.com/fabricwasm/fabric/internal/engine/interpreter"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
)

// maxMemoryLimitPages keeps the byte size of a memory representable as uint32.
const maxMemoryLimitPages = uint32(65535)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig
//
// Each With method returns a copy, so a config can be shared and specialized safely.
type RuntimeConfig struct {
	newBackend         func() internalwasm.Backend
	memoryLimitPages   uint32
	callStackCeiling   int
	compilationWorkers int
	logger             *zap.Logger
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	memoryLimitPages: internalwasm.DefaultMemoryLimitPages,
	callStackCeiling: internalwasm.DefaultCallStackCeiling,
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	ret := *c
	return &ret
}

// NewRuntimeConfig returns the default configuration, which compiles modules with the compiler.
func NewRuntimeConfig() *RuntimeConfig {
	return NewRuntimeConfigCompiler()
}

// NewRuntimeConfigCompiler compiles every function ahead of time into threaded code before instantiation.
func NewRuntimeConfigCompiler() *RuntimeConfig {
	ret := engineLessConfig.clone()
	ret.newBackend = compiler.NewBackend
	return ret
}

// NewRuntimeConfigInterpreter interprets lowered functions instead of compiling them, trading throughput for
// compilation speed.
func NewRuntimeConfigInterpreter() *RuntimeConfig {
	ret := engineLessConfig.clone()
	ret.newBackend = interpreter.NewBackend
	return ret
}

// Engine returns the name of the configured engine: "compiler" or "interpreter".
func (c *RuntimeConfig) Engine() string {
	return c.newBackend().Name()
}

// WithMemoryLimitPages sets the effective maximum of memories, in 64 KiB pages. Defaults to 256 (16 MiB).
//
// Notes:
//   - A memory without a declared maximum reserves this many pages, and a declared maximum is capped to it.
//   - A memory whose minimum exceeds the limit fails instantiation.
//   - Values over 65535 are capped to 65535.
func (c *RuntimeConfig) WithMemoryLimitPages(pages uint32) *RuntimeConfig {
	if pages > maxMemoryLimitPages {
		pages = maxMemoryLimitPages
	}
	ret := c.clone()
	ret.memoryLimitPages = pages
	return ret
}

// WithCallStackCeiling sets the maximum count of guest frames in one call, counting frames of calls host functions
// make back into guests. Exceeding it traps with api.TrapKindStackOverflow. Defaults to 2000.
func (c *RuntimeConfig) WithCallStackCeiling(frames int) *RuntimeConfig {
	ret := c.clone()
	ret.callStackCeiling = frames
	return ret
}

// WithCompilationWorkers sets how many functions of a module are compiled concurrently. Zero, the default, means
// GOMAXPROCS.
func (c *RuntimeConfig) WithCompilationWorkers(workers int) *RuntimeConfig {
	ret := c.clone()
	ret.compilationWorkers = workers
	return ret
}

// WithLogger sets the logger of the runtime. Defaults to a no-op logger.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// Logger returns the configured logger, or a no-op one if none was set.
func (c *RuntimeConfig) Logger() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}
