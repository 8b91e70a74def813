package compiler

import (
	"github.com/fabricwasm/fabric/internal/fabricir"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
)

func compileBranch(t fabricir.Branch) closure {
	target := t.PC
	if !t.HasMove {
		return func(*internalwasm.CallEngine, int) int { return target }
	}
	src, dst := int(t.Src), int(t.Dst)
	return func(ce *internalwasm.CallEngine, base int) int {
		s := ce.Stack[base:]
		s[dst] = s[src]
		return target
	}
}

// compileConditionalBranch is br_if when ifNonZero, otherwise the condition of if.
func compileConditionalBranch(ifNonZero bool, cond int, t fabricir.Branch, next int) closure {
	target := t.PC
	switch {
	case ifNonZero && !t.HasMove:
		return func(ce *internalwasm.CallEngine, base int) int {
			if ce.Stack[base+cond] != 0 {
				return target
			}
			return next
		}
	case !ifNonZero && !t.HasMove:
		return func(ce *internalwasm.CallEngine, base int) int {
			if ce.Stack[base+cond] == 0 {
				return target
			}
			return next
		}
	}
	src, dst := int(t.Src), int(t.Dst)
	return func(ce *internalwasm.CallEngine, base int) int {
		s := ce.Stack[base:]
		if (s[cond] != 0) == ifNonZero {
			s[dst] = s[src]
			return target
		}
		return next
	}
}

func compileBranchTable(index int, targets []fabricir.Branch, defaultTarget fabricir.Branch) closure {
	branches := make([]closure, len(targets))
	for i, t := range targets {
		branches[i] = compileBranch(t)
	}
	defaultBranch := compileBranch(defaultTarget)
	return func(ce *internalwasm.CallEngine, base int) int {
		if i := uint32(ce.Stack[base+index]); i < uint32(len(branches)) {
			return branches[i](ce, base)
		}
		return defaultBranch(ce, base)
	}
}
