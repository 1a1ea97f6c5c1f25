package dispatch

import (
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/helm/instructions/pkg/gate"
	"github.com/Mindburn-Labs/helm/instructions/pkg/governance"
	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

// Failure classes.
const (
	ClassCaller     = "caller_error"
	ClassGovernance = "governance_violation"
	ClassGate       = "gate_blocked"
	ClassInternal   = "internal_error"
)

// Caller error codes.
const (
	CodeUnknownAction    = "unknown_action"
	CodeInvalidArguments = "invalid_arguments"
	CodeInvalidID        = "invalid_id"
	CodeAlreadyExists    = "already_exists"
	CodeInvalidFilter    = "invalid_filter"
)

// Internal error codes.
const (
	CodeAtomicVisibility = "atomic_visibility_failed"
	CodeStoreWrite       = "store_write_failed"
	CodeStoreVerify      = "store_verify_failed"
	CodeStoreRemove      = "store_remove_failed"
	CodeCatalogLoad      = "catalog_load_failed"
	CodeInternal         = "internal_failure"
)

// CallerError is a request the caller can fix.
type CallerError struct {
	Code string
	Msg  string
	Hint string
}

func (e *CallerError) Error() string {
	return fmt.Sprintf("dispatch: %s: %s", e.Code, e.Msg)
}

func callerError(code, hint, format string, args ...any) *CallerError {
	return &CallerError{Code: code, Msg: fmt.Sprintf(format, args...), Hint: hint}
}

// internalError tags an unexpected failure with a stable code.
type internalError struct {
	code string
	err  error
}

func (e *internalError) Error() string { return e.code + ": " + e.err.Error() }

func (e *internalError) Unwrap() error { return e.err }

func internal(code string, err error) error {
	return &internalError{code: code, err: err}
}

// Failure is the error half of a Result.
type Failure struct {
	Code       string         `json:"error"`
	Class      string         `json:"class"`
	Message    string         `json:"message,omitempty"`
	Hint       string         `json:"feedbackHint,omitempty"`
	ReproEntry any            `json:"reproEntry,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Class, f.Code)
}

// classify maps an error onto a Failure by type only.
func classify(err error) *Failure {
	var (
		ce *CallerError
		gv *governance.Violation
		gb *gate.BlockedError
		ie *internalError
	)
	switch {
	case errors.As(err, &ce):
		return &Failure{Code: ce.Code, Class: ClassCaller, Message: ce.Msg, Hint: ce.Hint}
	case errors.As(err, &gv):
		return &Failure{
			Code:       gv.Code,
			Class:      ClassGovernance,
			Message:    gv.Requirement,
			Hint:       gv.Hint,
			ReproEntry: gv.ReproEntry,
			Detail:     fieldDetail(gv.Field),
		}
	case errors.As(err, &gb):
		return &Failure{
			Code:    gb.Reason,
			Class:   ClassGate,
			Message: fmt.Sprintf("mutation gate is %s", gb.State),
			Hint:    gb.Hint,
			Detail:  map[string]any{"state": gb.State},
		}
	case errors.Is(err, store.ErrInvalidID):
		return &Failure{Code: CodeInvalidID, Class: ClassCaller, Message: err.Error(),
			Hint: "ids use letters, digits, '.', '_' and '-' and start with a letter or digit"}
	case errors.As(err, &ie):
		return &Failure{Code: ie.code, Class: ClassInternal, Message: "internal failure",
			Detail: map[string]any{"cause": err.Error()}}
	case errors.Is(err, store.ErrVerifyMismatch):
		return &Failure{Code: CodeStoreVerify, Class: ClassInternal, Message: "internal failure",
			Detail: map[string]any{"cause": err.Error()}}
	default:
		return &Failure{Code: CodeInternal, Class: ClassInternal, Message: "internal failure",
			Detail: map[string]any{"cause": err.Error()}}
	}
}

func fieldDetail(field string) map[string]any {
	if field == "" {
		return nil
	}
	return map[string]any{"field": field}
}
