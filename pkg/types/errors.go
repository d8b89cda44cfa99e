package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the machine-readable failure kind carried by CommandResult.
type ErrorCode string

// Error codes surfaced across the engine boundary.
const (
	CodeInvalidCommand         ErrorCode = "InvalidCommand"
	CodeInvalidParent          ErrorCode = "InvalidParent"
	CodeOriginalParentMissing  ErrorCode = "OriginalParentMissing"
	CodeCyclicMove             ErrorCode = "CyclicMove"
	CodeNoOpMove               ErrorCode = "NoOpMove"
	CodeAlreadyCheckedOut      ErrorCode = "AlreadyCheckedOut"
	CodeValidationFailed       ErrorCode = "ValidationFailed"
	CodeNotFound               ErrorCode = "NotFound"
	CodeStoreTransactionFailed ErrorCode = "StoreTransactionFailed"
	CodeNameConflict           ErrorCode = "NameConflict"
	CodeProtectedNode          ErrorCode = "ProtectedNode"
	CodeNotInTrash             ErrorCode = "NotInTrash"
	CodeCycleDetected          ErrorCode = "CycleDetected"
	CodeNothingToUndo          ErrorCode = "NothingToUndo"
	CodeNothingToRedo          ErrorCode = "NothingToRedo"
	CodeEngineClosed           ErrorCode = "EngineClosed"
	CodeInternal               ErrorCode = "Internal"
)

// Domain errors. Each maps to exactly one ErrorCode through CodeOf.
var (
	ErrInvalidCommand        = errors.New("invalid command")
	ErrInvalidID             = errors.New("invalid identifier")
	ErrInvalidParent         = errors.New("invalid parent")
	ErrOriginalParentMissing = errors.New("original parent no longer exists")
	ErrCyclicMove            = errors.New("move would create a cycle")
	ErrNoOpMove              = errors.New("node is already under the target parent")
	ErrAlreadyCheckedOut     = errors.New("node already has a working copy")
	ErrValidationFailed      = errors.New("validation failed")
	ErrNotFound              = errors.New("entity not found")
	ErrNameConflict          = errors.New("name already exists under parent")
	ErrProtectedNode         = errors.New("root and trash nodes cannot be changed")
	ErrNotInTrash            = errors.New("node is not in the trash")
	ErrCycleDetected         = errors.New("cycle detected in parent links")
	ErrNothingToUndo         = errors.New("nothing to undo")
	ErrNothingToRedo         = errors.New("nothing to redo")
	ErrClipboardEmpty        = errors.New("clipboard is empty")
	ErrVetoed                = errors.New("operation vetoed by plugin")
)

// Store and engine lifecycle errors.
var (
	ErrStoreTransactionFailed = errors.New("store transaction failed")
	ErrStoreDetached          = errors.New("store is detached")
	ErrAlreadyAttached        = errors.New("store is already attached")
	ErrEngineClosed           = errors.New("engine is closed")
	ErrInternal               = errors.New("internal error")
)

// codeTable lists sentinel-to-code mappings in match order. A malformed
// command carries its field errors too, so the command sentinels come first.
var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidCommand, CodeInvalidCommand},
	{ErrInvalidID, CodeInvalidCommand},
	{ErrClipboardEmpty, CodeInvalidCommand},
	{ErrValidationFailed, CodeValidationFailed},
	{ErrOriginalParentMissing, CodeOriginalParentMissing},
	{ErrInvalidParent, CodeInvalidParent},
	{ErrCyclicMove, CodeCyclicMove},
	{ErrNoOpMove, CodeNoOpMove},
	{ErrAlreadyCheckedOut, CodeAlreadyCheckedOut},
	{ErrNotFound, CodeNotFound},
	{ErrNameConflict, CodeNameConflict},
	{ErrProtectedNode, CodeProtectedNode},
	{ErrVetoed, CodeProtectedNode},
	{ErrNotInTrash, CodeNotInTrash},
	{ErrCycleDetected, CodeCycleDetected},
	{ErrNothingToUndo, CodeNothingToUndo},
	{ErrNothingToRedo, CodeNothingToRedo},
	{ErrEngineClosed, CodeEngineClosed},
	{ErrStoreTransactionFailed, CodeStoreTransactionFailed},
	{ErrStoreDetached, CodeStoreTransactionFailed},
	{ErrInternal, CodeInternal},
}

// CodeOf maps err onto an ErrorCode. Errors that match no domain sentinel are
// treated as store failures.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeStoreTransactionFailed
}

// IsDomainError reports whether err is a business-rule failure rather than a
// store failure. Domain errors are never retried.
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range codeTable {
		if e.code == CodeStoreTransactionFailed || e.code == CodeInternal {
			continue
		}
		if errors.Is(err, e.err) {
			return true
		}
	}
	return false
}

// FieldError describes one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (fe FieldError) String() string {
	return fe.Field + ": " + fe.Message
}

// ValidationError carries every field-level failure of a validation pass.
// It matches ErrValidationFailed with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidationFailed }

// FieldErrorsOf extracts the field list from a ValidationError anywhere in
// err's chain.
func FieldErrorsOf(err error) []FieldError {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// ResultError is the serializable failure carried by CommandResult.
type ResultError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

func (e *ResultError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// Is lets errors.Is match a decoded ResultError against the sentinels that
// map onto its code.
func (e *ResultError) Is(target error) bool {
	for _, c := range codeTable {
		if c.err == target && c.code == e.Code {
			return true
		}
	}
	return false
}

// NewResultError converts err into its boundary representation.
func NewResultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	var re *ResultError
	if errors.As(err, &re) {
		return re
	}
	return &ResultError{
		Code:    CodeOf(err),
		Message: err.Error(),
		Fields:  FieldErrorsOf(err),
	}
}
