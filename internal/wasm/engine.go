package internalwasm

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabricwasm/fabric/internal/fabricir"
	"github.com/fabricwasm/fabric/wasm"
)

// Backend turns lowered functions into something a CallEngine can run. This is implemented by the compiler and the
// interpreter.
type Backend interface {
	// Name is the engine name, such as "compiler".
	Name() string

	// Compile prepares a lowered function of the validated module m. It must not retain f beyond what it needs and
	// is called concurrently for different functions of the same module.
	Compile(m *wasm.Module, f *fabricir.Function) (Code, error)
}

// Code is the compiled body of a function.
type Code interface {
	// Run executes the body with the frame starting at ce.Stack[base]. Params are in place and locals are zero.
	// On return, the result, if any, is in ce.Stack[base].
	//
	// Traps are raised with panic, and recovered by the outermost call.
	Run(ce *CallEngine, base int)
}

// CompiledFunction is a function defined in a module, ready to run. It is immutable and shared by every instance of
// the CompiledModule.
type CompiledFunction struct {
	Index wasm.Index
	Body  Code
	// ParamSlots, LocalSlots and FrameSize are as in fabricir.Function.
	ParamSlots, LocalSlots, FrameSize uint32
	// IndirectTarget is true when the function is named by an element segment or ref.func.
	IndirectTarget bool
	// TypeID is the canonical type ID compared by call_indirect.
	TypeID uint32
}

// CompiledModule is a validated module with every defined function compiled by one engine.
type CompiledModule struct {
	Module     *wasm.Module
	EngineName string
	// Functions are indexed by function index minus the count of imported functions.
	Functions []*CompiledFunction
}

// Engine compiles modules with a Backend, using a bounded number of goroutines per module.
type Engine struct {
	backend Backend
	workers int
	logger  *zap.Logger
}

// NewEngine returns an Engine. A non-positive workers uses GOMAXPROCS.
func NewEngine(backend Backend, workers int, logger *zap.Logger) *Engine {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		backend: backend,
		workers: workers,
		logger:  logger.With(zap.String("component", "engine"), zap.String("engine", backend.Name())),
	}
}

// Name returns the name of the backend.
func (e *Engine) Name() string {
	return e.backend.Name()
}

// CompileModule lowers and compiles every function defined in the module. The module must be validated.
//
// Each function is compiled by its own goroutine, which writes only its own slot of the result.
func (e *Engine) CompileModule(ctx context.Context, m *wasm.Module) (*CompiledModule, error) {
	if !m.Validated() {
		return nil, fmt.Errorf("module must be validated before compilation")
	}
	start := time.Now()
	importedFuncs := m.ImportFuncCount()
	functions := make([]*CompiledFunction, len(m.FunctionSection))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range m.FunctionSection {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			funcIdx := importedFuncs + wasm.Index(i)
			lowered, err := fabricir.Lower(m, funcIdx)
			if err != nil {
				return fmt.Errorf("lower function[%d] %s: %w", funcIdx, m.FunctionName(funcIdx), err)
			}
			body, err := e.backend.Compile(m, lowered)
			if err != nil {
				return fmt.Errorf("compile function[%d] %s: %w", funcIdx, m.FunctionName(funcIdx), err)
			}
			functions[i] = &CompiledFunction{
				Index:          funcIdx,
				Body:           body,
				ParamSlots:     lowered.ParamSlots,
				LocalSlots:     lowered.LocalSlots,
				FrameSize:      lowered.FrameSize,
				IndirectTarget: m.IsIndirectTarget(funcIdx),
				TypeID:         m.FunctionTypeID(funcIdx),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.Debug("compiled module",
		zap.Int("functions", len(functions)),
		zap.Duration("elapsed", time.Since(start)))
	return &CompiledModule{Module: m, EngineName: e.backend.Name(), Functions: functions}, nil
}
