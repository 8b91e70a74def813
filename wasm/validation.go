package wasm

import (
	"github.com/fabricwasm/fabric/internal/leb128"
)

// Validate checks the module against the rules the runtime depends on: index namespaces, value types, limits,
// constant expressions, segment ranges and the typing of every function body.
//
// The result is either nil, in which case the module is marked validated and derived data is cached, or a
// *ValidationError describing the first problem found. A module that failed validation is left unchanged.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#validation%E2%91%A1
func (m *Module) Validate() error {
	if m.validated {
		return nil
	}
	if err := m.validateTypes(); err != nil {
		return err
	}
	if err := m.validateImports(); err != nil {
		return err
	}
	if err := m.validateFunctionSection(); err != nil {
		return err
	}
	if err := m.validateLimits(); err != nil {
		return err
	}

	globals := m.AllGlobalTypes()
	importedGlobals := m.ImportGlobalCount()
	functionCount := m.FunctionCount()

	if err := m.validateGlobals(globals, importedGlobals, functionCount); err != nil {
		return err
	}
	if err := m.validateExports(globals, functionCount); err != nil {
		return err
	}
	if err := m.validateStart(functionCount); err != nil {
		return err
	}
	if err := m.validateElements(globals, importedGlobals, functionCount); err != nil {
		return err
	}
	if err := m.validateData(globals, importedGlobals, functionCount); err != nil {
		return err
	}

	indirectTargets := make([]bool, functionCount)
	for _, g := range m.GlobalSection {
		if idx, ok := g.Init.refFunc(); ok {
			indirectTargets[idx] = true
		}
	}
	for _, e := range m.ElementSection {
		for _, idx := range e.Init {
			indirectTargets[idx] = true
		}
	}

	v := &funcValidator{m: m, globals: globals, functionCount: functionCount, refFuncs: indirectTargets}
	importedFuncs := m.ImportFuncCount()
	for i, typeIdx := range m.FunctionSection {
		funcIdx := importedFuncs + Index(i)
		if err := v.validate(funcIdx, m.TypeSection[typeIdx], m.CodeSection[i]); err != nil {
			return err
		}
	}

	m.typeIDs = canonicalTypeIDs(m.TypeSection)
	m.indirectTargets = indirectTargets
	m.validated = true
	return nil
}

// canonicalTypeIDs returns the index of the first structurally equal type for each type.
func canonicalTypeIDs(types []*FunctionType) []uint32 {
	ids := make([]uint32, len(types))
	for i, t := range types {
		ids[i] = uint32(i)
		for j := 0; j < i; j++ {
			if t.EqualsSignature(types[j].Params, types[j].Results) {
				ids[i] = uint32(j)
				break
			}
		}
	}
	return ids
}

func (m *Module) validateTypes() error {
	for i, t := range m.TypeSection {
		if t == nil {
			return sectionError(SectionIDType, Index(i), ValidationErrorInvalidType, "nil type")
		}
		if len(t.Results) > 1 {
			return sectionError(SectionIDType, Index(i), ValidationErrorInvalidType,
				"multiple results are not supported: %s", t)
		}
		for _, vt := range append(t.Params[:len(t.Params):len(t.Params)], t.Results...) {
			if !isValueType(vt) {
				return sectionError(SectionIDType, Index(i), ValidationErrorInvalidType, "invalid value type: %#x", vt)
			}
		}
	}
	return nil
}

func (m *Module) validateImports() error {
	for i, im := range m.ImportSection {
		switch im.Type {
		case ExternTypeFunc:
			if im.DescFunc >= uint32(len(m.TypeSection)) {
				return sectionError(SectionIDImport, Index(i), ValidationErrorInvalidIndex,
					"%s.%s: type index %d out of range", im.Module, im.Name, im.DescFunc)
			}
		case ExternTypeGlobal:
			if im.DescGlobal == nil || !isValueType(im.DescGlobal.ValType) {
				return sectionError(SectionIDImport, Index(i), ValidationErrorInvalidType,
					"%s.%s: invalid global type", im.Module, im.Name)
			}
		default:
			return sectionError(SectionIDImport, Index(i), ValidationErrorUnsupportedImport,
				"%s.%s: %s imports are not supported", im.Module, im.Name, ExternTypeName(im.Type))
		}
	}
	return nil
}

func (m *Module) validateFunctionSection() error {
	if len(m.FunctionSection) != len(m.CodeSection) {
		return sectionError(SectionIDCode, 0, ValidationErrorSectionMismatch,
			"function and code section have inconsistent lengths: %d != %d", len(m.FunctionSection), len(m.CodeSection))
	}
	for i, typeIdx := range m.FunctionSection {
		if typeIdx >= uint32(len(m.TypeSection)) {
			return sectionError(SectionIDFunction, Index(i), ValidationErrorInvalidIndex, "type index %d out of range", typeIdx)
		}
		if m.CodeSection[i] == nil {
			return sectionError(SectionIDCode, Index(i), ValidationErrorSectionMismatch, "nil code")
		}
	}
	return nil
}

func (m *Module) validateLimits() error {
	if mem := m.MemorySection; mem != nil {
		if mem.Min > MemoryMaxPages {
			return sectionError(SectionIDMemory, 0, ValidationErrorInvalidLimits,
				"min %d pages over limit of %d pages", mem.Min, MemoryMaxPages)
		}
		if mem.Max != nil {
			if *mem.Max > MemoryMaxPages {
				return sectionError(SectionIDMemory, 0, ValidationErrorInvalidLimits,
					"max %d pages over limit of %d pages", *mem.Max, MemoryMaxPages)
			} else if mem.Min > *mem.Max {
				return sectionError(SectionIDMemory, 0, ValidationErrorInvalidLimits,
					"min %d pages > max %d pages", mem.Min, *mem.Max)
			}
		}
	}
	if table := m.TableSection; table != nil && table.Max != nil && table.Min > *table.Max {
		return sectionError(SectionIDTable, 0, ValidationErrorInvalidLimits,
			"min %d > max %d", table.Min, *table.Max)
	}
	return nil
}

func (m *Module) validateGlobals(globals []*GlobalType, importedGlobals, functionCount uint32) error {
	for i, g := range m.GlobalSection {
		if g.Type == nil || !isValueType(g.Type.ValType) {
			return sectionError(SectionIDGlobal, Index(i), ValidationErrorInvalidType, "invalid global type")
		}
		vt, err := g.Init.validate(globals, importedGlobals, functionCount)
		if err != nil {
			return sectionError(SectionIDGlobal, Index(i), ValidationErrorInvalidConstExpr, "%v", err)
		}
		if vt != g.Type.ValType {
			return sectionError(SectionIDGlobal, Index(i), ValidationErrorTypeMismatch,
				"initializer of type %s for global of type %s", ValueTypeName(vt), ValueTypeName(g.Type.ValType))
		}
	}
	return nil
}

func (m *Module) validateExports(globals []*GlobalType, functionCount uint32) error {
	names := make(map[string]struct{}, len(m.ExportSection))
	for i, e := range m.ExportSection {
		if _, ok := names[e.Name]; ok {
			return sectionError(SectionIDExport, Index(i), ValidationErrorDuplicateExport, "%q already exported", e.Name)
		}
		names[e.Name] = struct{}{}

		var count uint32
		switch e.Type {
		case ExternTypeFunc:
			count = functionCount
		case ExternTypeGlobal:
			count = uint32(len(globals))
		case ExternTypeMemory:
			if m.MemorySection != nil {
				count = 1
			}
		case ExternTypeTable:
			if m.TableSection != nil {
				count = 1
			}
		default:
			return sectionError(SectionIDExport, Index(i), ValidationErrorInvalidType, "%q: unknown kind %#x", e.Name, e.Type)
		}
		if e.Index >= count {
			return sectionError(SectionIDExport, Index(i), ValidationErrorInvalidIndex,
				"%q: %s index %d out of range", e.Name, ExternTypeName(e.Type), e.Index)
		}
	}
	return nil
}

func (m *Module) validateStart(functionCount uint32) error {
	if m.StartSection == nil {
		return nil
	}
	idx := *m.StartSection
	if idx >= functionCount {
		return sectionError(SectionIDStart, 0, ValidationErrorInvalidIndex, "function index %d out of range", idx)
	}
	if ft := m.TypeOfFunction(idx); len(ft.Params) > 0 || len(ft.Results) > 0 {
		return sectionError(SectionIDStart, 0, ValidationErrorTypeMismatch, "start function must have type v_v, but was %s", ft)
	}
	return nil
}

func (m *Module) validateElements(globals []*GlobalType, importedGlobals, functionCount uint32) error {
	for i, e := range m.ElementSection {
		if m.TableSection == nil {
			return sectionError(SectionIDElement, Index(i), ValidationErrorInvalidIndex, "table index 0 out of range")
		}
		if err := validateOffset(SectionIDElement, Index(i), e.OffsetExpr, globals, importedGlobals, functionCount); err != nil {
			return err
		}
		for _, funcIdx := range e.Init {
			if funcIdx >= functionCount {
				return sectionError(SectionIDElement, Index(i), ValidationErrorInvalidIndex,
					"function index %d out of range", funcIdx)
			}
		}
		// Offsets read from globals are only known at instantiation.
		if e.OffsetExpr.Opcode == OpcodeI32Const {
			offset, _, _ := leb128.LoadInt32(e.OffsetExpr.Data)
			if end := uint64(uint32(offset)) + uint64(len(e.Init)); end > uint64(m.TableSection.Min) {
				return sectionError(SectionIDElement, Index(i), ValidationErrorSegmentOutOfRange,
					"offset %d and length %d exceed table size %d", uint32(offset), len(e.Init), m.TableSection.Min)
			}
		}
	}
	return nil
}

func (m *Module) validateData(globals []*GlobalType, importedGlobals, functionCount uint32) error {
	for i, d := range m.DataSection {
		if m.MemorySection == nil {
			return sectionError(SectionIDData, Index(i), ValidationErrorInvalidIndex, "memory index 0 out of range")
		}
		if err := validateOffset(SectionIDData, Index(i), d.OffsetExpression, globals, importedGlobals, functionCount); err != nil {
			return err
		}
	}
	return nil
}

func validateOffset(section SectionID, idx Index, expr *ConstantExpression, globals []*GlobalType, importedGlobals, functionCount uint32) error {
	vt, err := expr.validate(globals, importedGlobals, functionCount)
	if err != nil {
		return sectionError(section, idx, ValidationErrorInvalidConstExpr, "%v", err)
	}
	if vt != ValueTypeI32 {
		return sectionError(section, idx, ValidationErrorTypeMismatch, "offset of type %s, but expected i32", ValueTypeName(vt))
	}
	return nil
}
