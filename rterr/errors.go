// Package rterr defines the failure taxonomy for the round-trip pipeline.
//
// Stage failures (compile, disassembly, reassembly, link, functional test)
// are recorded per matrix cell and never abort a run. Configuration, usage,
// and launch failures abort the run and determine the process exit code.
package rterr

import "fmt"

// FailureClass is a stable failure category.
type FailureClass string

const (
	Compile               FailureClass = "COMPILE"
	Disassembly           FailureClass = "DISASSEMBLY"
	DisassemblyTimeout    FailureClass = "DISASSEMBLY_TIMEOUT"
	StructuralDefect      FailureClass = "STRUCTURAL_DEFECT"
	StructuralRead        FailureClass = "STRUCTURAL_READ"
	Reassembly            FailureClass = "REASSEMBLY"
	Link                  FailureClass = "LINK"
	FunctionalTest        FailureClass = "FUNCTIONAL_TEST"
	FunctionalTestTimeout FailureClass = "FUNCTIONAL_TEST_TIMEOUT"
	Configuration         FailureClass = "CONFIGURATION"
	CLIUsage              FailureClass = "CLI_USAGE"
	ToolLaunch            FailureClass = "TOOL_LAUNCH"
	InternalIO            FailureClass = "INTERNAL_IO"
	InternalError         FailureClass = "INTERNAL_ERROR"
)

const (
	ExitSuccess  = 0
	ExitFailed   = 1
	ExitInvalid  = 2
	ExitInternal = 10
)

// ExitCode returns the process exit code for this failure class.
//
// Stage classes map to ExitFailed: a run that completes with any stage
// failure in its tally exits 1.
func (fc FailureClass) ExitCode() int {
	switch fc {
	case Configuration, CLIUsage:
		return ExitInvalid
	case ToolLaunch, InternalIO, InternalError:
		return ExitInternal
	default:
		return ExitFailed
	}
}

// IsTimeout reports whether the class denotes a wall-clock timeout.
func (fc FailureClass) IsTimeout() bool {
	return fc == DisassemblyTimeout || fc == FunctionalTestTimeout
}

// Error is the structured error type for pipeline failures.
type Error struct {
	Class   FailureClass
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rterr: %s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("rterr: %s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given class and message.
func New(class FailureClass, message string) *Error {
	return &Error{Class: class, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(class FailureClass, format string, args ...any) *Error {
	return &Error{Class: class, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(class FailureClass, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}
