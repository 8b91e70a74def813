package wasm

import "fmt"

// ValidationErrorKind enumerates why a module failed validation.
type ValidationErrorKind uint8

const (
	// ValidationErrorInvalidType is a value type outside the supported set, or more than one result.
	ValidationErrorInvalidType ValidationErrorKind = iota + 1
	// ValidationErrorInvalidIndex is an index outside its index namespace.
	ValidationErrorInvalidIndex
	// ValidationErrorTypeMismatch is an operand, result or initializer of the wrong type.
	ValidationErrorTypeMismatch
	// ValidationErrorInvalidInstruction is an unknown opcode, misplaced else or end, or an instruction requiring a
	// memory or table the module doesn't have.
	ValidationErrorInvalidInstruction
	// ValidationErrorInvalidConstExpr is an initializer that is not a constant expression.
	ValidationErrorInvalidConstExpr
	// ValidationErrorSegmentOutOfRange is an element segment not fitting the table.
	ValidationErrorSegmentOutOfRange
	// ValidationErrorInvalidLimits is a min above max, or a max above the allowed maximum.
	ValidationErrorInvalidLimits
	// ValidationErrorDuplicateExport is an export name used twice.
	ValidationErrorDuplicateExport
	// ValidationErrorUnsupportedImport is an import of a table or memory.
	ValidationErrorUnsupportedImport
	// ValidationErrorInvalidAlignment is a memory alignment larger than the natural alignment.
	ValidationErrorInvalidAlignment
	// ValidationErrorSectionMismatch is a function section and code section of different lengths.
	ValidationErrorSectionMismatch
)

var validationErrorKindNames = [...]string{
	ValidationErrorInvalidType:        "invalid type",
	ValidationErrorInvalidIndex:       "invalid index",
	ValidationErrorTypeMismatch:       "type mismatch",
	ValidationErrorInvalidInstruction: "invalid instruction",
	ValidationErrorInvalidConstExpr:   "invalid constant expression",
	ValidationErrorSegmentOutOfRange:  "segment out of range",
	ValidationErrorInvalidLimits:      "invalid limits",
	ValidationErrorDuplicateExport:    "duplicate export",
	ValidationErrorUnsupportedImport:  "unsupported import",
	ValidationErrorInvalidAlignment:   "invalid alignment",
	ValidationErrorSectionMismatch:    "section mismatch",
}

// String implements fmt.Stringer
func (k ValidationErrorKind) String() string {
	if int(k) < len(validationErrorKindNames) && validationErrorKindNames[k] != "" {
		return validationErrorKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ValidationError is the single error returned by Module.Validate.
//
// The location is a function index and instruction offset when Section is SectionIDCode, otherwise the index of
// the entry in Section, such as an element segment.
type ValidationError struct {
	Kind    ValidationErrorKind
	Section SectionID

	// FunctionIndex is in the function index namespace, so counts imported functions.
	FunctionIndex Index
	// InstructionOffset is the position in Code.Body of the offending instruction.
	InstructionOffset int

	// SegmentIndex is the position within Section, when Section is not SectionIDCode.
	SegmentIndex Index

	Msg string
}

// Error implements error
func (e *ValidationError) Error() string {
	if e.Section == SectionIDCode {
		return fmt.Sprintf("invalid function[%d] at instruction %d: %s: %s",
			e.FunctionIndex, e.InstructionOffset, e.Kind, e.Msg)
	}
	return fmt.Sprintf("invalid %s[%d]: %s: %s", SectionIDName(e.Section), e.SegmentIndex, e.Kind, e.Msg)
}

func sectionError(section SectionID, idx Index, kind ValidationErrorKind, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Section: section, SegmentIndex: idx, Msg: fmt.Sprintf(format, args...)}
}
