package internalwasm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/fabricir"
)

// DefaultCallStackCeiling is the default maximum count of guest frames in one chain of calls, counting frames of
// calls made by host functions back into guests.
const DefaultCallStackCeiling = 2000

// initialStackLen is the count of slots a CallEngine starts with. The stack grows as frames need.
const initialStackLen = 256

// callEngineKey is the context.Context key of the CallEngine a host function was called by.
type callEngineKey struct{}

// CallEngine holds the state of one invocation: the value stack shared by all frames of the call, and the instance
// state compiled code accesses. It is created per call, so concurrent calls never share one.
type CallEngine struct {
	// Stack holds the frames of every active function, back to back. Code must re-slice it after any call, as a
	// callee may grow it.
	Stack []uint64

	Memory  *MemoryInstance
	Globals []*GlobalInstance
	Table   *TableInstance

	module *ModuleInstance
	ctx    context.Context
	// hostCtx is ctx with this CallEngine attached, built on the first host call.
	hostCtx context.Context

	// depth counts guest frames, including those of the calls this call is nested in.
	depth, ceiling int
	// frames are the active functions, for backtraces.
	frames []*FunctionInstance
	// inHost is true while a host function runs, so a panic can be attributed to it.
	inHost bool
}

func (m *ModuleInstance) newCallEngine(ctx context.Context) *CallEngine {
	ce := &CallEngine{
		Stack:   make([]uint64, initialStackLen),
		Memory:  m.MemoryInstance,
		Globals: m.Globals,
		Table:   m.TableInstance,
		module:  m,
		ctx:     ctx,
		ceiling: m.ceiling,
	}
	if parent, ok := ctx.Value(callEngineKey{}).(*CallEngine); ok {
		ce.depth = parent.depth
	}
	return ce
}

// ensureStack grows the stack to at least n slots, preserving its contents.
func (ce *CallEngine) ensureStack(n int) {
	if n <= len(ce.Stack) {
		return
	}
	size := 2 * len(ce.Stack)
	if size < n {
		size = n
	}
	stack := make([]uint64, size)
	copy(stack, ce.Stack)
	ce.Stack = stack
}

// Call calls the function funcIdx of the instance, with its frame starting at Stack[base].
func (ce *CallEngine) Call(funcIdx uint32, base int) {
	ce.callFunction(ce.module.Functions[funcIdx], base)
}

// CallIndirect calls the function in table slot, which must have the canonical type typeID.
func (ce *CallEngine) CallIndirect(typeID uint32, slot uint32, base int) {
	funcIdx, trap := ce.Table.Lookup(slot)
	if trap != 0 {
		fabricir.Trap(trap)
	}
	f := ce.module.Functions[funcIdx]
	if f.TypeID != typeID {
		fabricir.Trap(api.TrapKindIndirectCallTypeMismatch)
	}
	ce.callFunction(f, base)
}

func (ce *CallEngine) callFunction(f *FunctionInstance, base int) {
	if f.Host != nil {
		ce.callHost(f, base)
		return
	}
	if ce.depth >= ce.ceiling {
		fabricir.Trap(api.TrapKindStackOverflow)
	}
	ce.depth++
	ce.frames = append(ce.frames, f)

	cf := f.Compiled
	ce.ensureStack(base + int(cf.FrameSize))
	clear(ce.Stack[base+int(cf.ParamSlots) : base+int(cf.LocalSlots)])
	cf.Body.Run(ce, base)

	ce.frames = ce.frames[:len(ce.frames)-1]
	ce.depth--
}

func (ce *CallEngine) callHost(f *FunctionInstance, base int) {
	n := len(f.Type.Params)
	if r := len(f.Type.Results); r > n {
		n = r
	}
	ce.ensureStack(base + n)
	if ce.hostCtx == nil {
		ce.hostCtx = context.WithValue(ce.ctx, callEngineKey{}, ce)
	}

	ce.frames = append(ce.frames, f)
	ce.inHost = true
	f.Host.Fn(ce.hostCtx, ce.module, ce.Stack[base:base+n:base+n])
	ce.inHost = false
	ce.frames = ce.frames[:len(ce.frames)-1]
}

// backtrace returns the names of the active functions, innermost first.
func (ce *CallEngine) backtrace() []string {
	names := make([]string, 0, len(ce.frames))
	for i := len(ce.frames) - 1; i >= 0; i-- {
		names = append(names, ce.frames[i].Name)
	}
	return names
}

// invoke is the outermost call of f. params are copied into the first frame, and the results are copied out.
//
// A trap becomes a *api.TrapError with a backtrace, and an error returned by a host function a *api.HostFunctionError.
// Any other panic poisons the instance: a panic in a host function also becomes a *api.HostFunctionError.
func (ce *CallEngine) invoke(f *FunctionInstance, params []uint64) (results []uint64, err error) {
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		results = nil
		if trap, ok := v.(*api.TrapError); ok {
			err = &api.TrapError{Kind: trap.Kind, Backtrace: ce.backtrace()}
			ce.module.logger.Debug("trap", zap.String("function", f.Name), zap.Stringer("kind", trap.Kind))
			return
		}
		if failure, ok := v.(*hostFailure); ok {
			host := ce.frames[len(ce.frames)-1]
			err = &api.HostFunctionError{Function: host.Name, Err: failure.err}
			ce.module.logger.Debug("host function failed", zap.String("function", host.Name), zap.Error(failure.err))
			return
		}

		if ce.inHost {
			host := ce.frames[len(ce.frames)-1]
			err = &api.HostFunctionError{Function: host.Name, Recovered: v}
		} else {
			err = fmt.Errorf("%s: wasm runtime error: %v", f.Name, v)
		}
		ce.module.poison(err)
	}()

	ce.ensureStack(len(params))
	copy(ce.Stack, params)
	ce.callFunction(f, 0)
	results = make([]uint64, len(f.Type.Results))
	copy(results, ce.Stack)
	return
}
