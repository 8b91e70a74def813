// Package fabric is an embeddable WebAssembly execution core. It compiles validated modules ahead of time, links
// their imports to host functions registered in a HostRegistry, and runs their exports from any number of goroutines.
//
// Ex.
//
//	r := fabric.NewRuntime()
//	defer r.Close(ctx)
//
//	registry := fabric.NewHostRegistry()
//	_ = registry.RegisterGoFunction("env", "log", func(v int32) { fmt.Println(v) })
//
//	compiled, _ := r.CompileModule(ctx, module)
//	instance, _ := r.Instantiate(ctx, compiled, registry, "plugin")
//	results, _ := instance.InvokeExport(ctx, "run")
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/fabricwasm/fabric/api"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

// Runtime compiles and instantiates modules with one engine.
type Runtime interface {
	// CompileModule validates the module, if it wasn't, and compiles all its functions.
	//
	// The result can be instantiated any number of times, concurrently, by this Runtime.
	CompileModule(ctx context.Context, m *wasm.Module) (*CompiledModule, error)

	// Instantiate resolves the imports of the compiled module with the registry and instantiates it. A nil registry
	// is valid for modules without imports.
	//
	// name must be unique among the open instances of the Runtime. The start function, if any, runs before this
	// returns; its trap fails instantiation with a *api.InstantiationError.
	Instantiate(ctx context.Context, compiled *CompiledModule, registry *HostRegistry, name string) (api.Instance, error)

	// InstantiateResolved is like Instantiate, but with imports already resolved by HostRegistry.Resolve.
	InstantiateResolved(ctx context.Context, compiled *CompiledModule, imports *ResolvedImports, name string) (api.Instance, error)

	// Instance returns the open instance of the given name or nil.
	Instance(name string) api.Instance

	// Close closes every open instance. Errors closing them are combined into one.
	api.Closer
}

// CompiledModule is a validated module compiled by the engine of a Runtime.
type CompiledModule struct {
	compiled *internalwasm.CompiledModule
}

// Module returns the compiled module.
func (c *CompiledModule) Module() *wasm.Module {
	return c.compiled.Module
}

// Engine returns the name of the engine that compiled the module.
func (c *CompiledModule) Engine() string {
	return c.compiled.EngineName
}

// NewRuntime returns a runtime with the default configuration.
func NewRuntime() Runtime {
	return NewRuntimeWithConfig(NewRuntimeConfig())
}

// NewRuntimeWithConfig returns a runtime with the given configuration.
func NewRuntimeWithConfig(config *RuntimeConfig) Runtime {
	logger := config.Logger()
	return &runtime{
		engine:    internalwasm.NewEngine(config.newBackend(), config.compilationWorkers, logger),
		config:    config,
		logger:    logger.With(zap.String("component", "runtime")),
		baseLog:   logger,
		instances: map[string]*internalwasm.ModuleInstance{},
	}
}

// runtime allows decoupling of public interfaces from internal representation.
type runtime struct {
	engine  *internalwasm.Engine
	config  *RuntimeConfig
	logger  *zap.Logger
	baseLog *zap.Logger

	mux       sync.Mutex
	instances map[string]*internalwasm.ModuleInstance
	closed    bool
}

var errRuntimeClosed = errors.New("runtime is closed")

// CompileModule implements Runtime.CompileModule
func (r *runtime) CompileModule(ctx context.Context, m *wasm.Module) (*CompiledModule, error) {
	if r.isClosed() {
		return nil, errRuntimeClosed
	}
	if m == nil {
		return nil, errors.New("module == nil")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	compiled, err := r.engine.CompileModule(ctx, m)
	if err != nil {
		return nil, err
	}
	return &CompiledModule{compiled: compiled}, nil
}

// Instantiate implements Runtime.Instantiate
func (r *runtime) Instantiate(ctx context.Context, compiled *CompiledModule, registry *HostRegistry, name string) (api.Instance, error) {
	if registry == nil {
		registry = NewHostRegistry()
	}
	imports, err := registry.Resolve(compiled.Module())
	if err != nil {
		var linkErr *api.LinkError
		if errors.As(err, &linkErr) {
			r.logger.Warn("link failed", zap.String("module", name), zap.Error(err))
		}
		return nil, err
	}
	return r.InstantiateResolved(ctx, compiled, imports, name)
}

// InstantiateResolved implements Runtime.InstantiateResolved
func (r *runtime) InstantiateResolved(ctx context.Context, compiled *CompiledModule, imports *ResolvedImports, name string) (api.Instance, error) {
	if compiled.Engine() != r.engine.Name() {
		return nil, fmt.Errorf("module was compiled by the %s engine, but this runtime uses %s", compiled.Engine(), r.engine.Name())
	}
	if imports == nil || imports.module != compiled.Module() {
		return nil, errors.New("imports were not resolved for this module")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// Reserve the name, so concurrent instantiations can't both take it.
	r.mux.Lock()
	if r.closed {
		r.mux.Unlock()
		return nil, errRuntimeClosed
	}
	if _, ok := r.instances[name]; ok {
		r.mux.Unlock()
		return nil, fmt.Errorf("module[%s] has already been instantiated", name)
	}
	r.instances[name] = nil
	r.mux.Unlock()

	inst, err := internalwasm.Instantiate(ctx, compiled.compiled, imports.imports, name, &internalwasm.InstanceConfig{
		MemoryLimitPages: r.config.memoryLimitPages,
		CallStackCeiling: r.config.callStackCeiling,
		Logger:           r.baseLog,
		OnClose:          r.forget,
	})

	r.mux.Lock()
	if err != nil {
		delete(r.instances, name)
		r.mux.Unlock()
		return nil, err
	}
	if r.closed {
		// Close ran while this was instantiating, so it didn't see the instance.
		delete(r.instances, name)
		r.mux.Unlock()
		_ = inst.Close(ctx)
		return nil, errRuntimeClosed
	}
	r.instances[name] = inst
	r.mux.Unlock()
	return inst, nil
}

// forget removes a closed instance.
func (r *runtime) forget(inst *internalwasm.ModuleInstance) {
	r.mux.Lock()
	defer r.mux.Unlock()
	if r.instances[inst.Name()] == inst {
		delete(r.instances, inst.Name())
	}
}

// Instance implements Runtime.Instance
func (r *runtime) Instance(name string) api.Instance {
	r.mux.Lock()
	defer r.mux.Unlock()
	if inst := r.instances[name]; inst != nil {
		return inst
	}
	return nil
}

func (r *runtime) isClosed() bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	return r.closed
}

// Close implements api.Closer Close
func (r *runtime) Close(ctx context.Context) error {
	r.mux.Lock()
	if r.closed {
		r.mux.Unlock()
		return nil
	}
	r.closed = true
	instances := make([]*internalwasm.ModuleInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst != nil {
			instances = append(instances, inst)
		}
	}
	r.mux.Unlock()

	var result error
	for _, inst := range instances {
		if err := inst.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.logger.Debug("closed", zap.Int("instances", len(instances)))
	return result
}
