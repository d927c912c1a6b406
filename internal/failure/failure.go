// Package failure defines the structured failure records that flow through the
// extraction loop. Every component reports its failures as a *Failure so the
// orchestrator can feed them back to the generator as regeneration context.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// Validator
	SyntaxInvalid Kind = iota
	ForbiddenImport
	SignatureInvalid
	MissingReturn

	// Executor
	ExecutionTimeout
	ExecutionRaised
	InvalidReturnShape

	// Conformance checker
	NonConformant

	// Orchestrator
	JudgmentFailed
	RegenerationExhausted
	GenerationTransportError
)

func (k Kind) String() string {
	switch k {
	case SyntaxInvalid:
		return "syntax_invalid"
	case ForbiddenImport:
		return "forbidden_import"
	case SignatureInvalid:
		return "signature_invalid"
	case MissingReturn:
		return "missing_return"
	case ExecutionTimeout:
		return "execution_timeout"
	case ExecutionRaised:
		return "execution_raised"
	case InvalidReturnShape:
		return "invalid_return_shape"
	case NonConformant:
		return "non_conformant"
	case JudgmentFailed:
		return "judgment_failed"
	case RegenerationExhausted:
		return "regeneration_exhausted"
	case GenerationTransportError:
		return "generation_transport_error"
	default:
		return "unknown"
	}
}

// IsFatal reports whether a failure of this kind ends an extraction run.
func (k Kind) IsFatal() bool {
	return k == RegenerationExhausted || k == GenerationTransportError
}

// Detail is a single (field_path, problem) pair.
type Detail struct {
	Path    string `json:"path"`
	Problem string `json:"problem"`
}

func (d Detail) String() string {
	if d.Path == "" {
		return d.Problem
	}
	return d.Path + ": " + d.Problem
}

// Failure is a structured failure record.
type Failure struct {
	Kind     Kind
	Message  string
	Module   string   // offending import path for ForbiddenImport
	Details  []Detail // field problems for NonConformant, judge reasons for JudgmentFailed
	Attempts int      // fresh generation attempts made, set on terminal failures
	Cause    error
}

// New creates a failure of the given kind.
func New(kind Kind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a failure that carries an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Failure {
	f := New(kind, format, args...)
	f.Cause = cause
	return f
}

// Forbidden creates a ForbiddenImport failure for module.
func Forbidden(module string) *Failure {
	return &Failure{
		Kind:    ForbiddenImport,
		Module:  module,
		Message: fmt.Sprintf("import %q is not on the allowlist", module),
	}
}

// WithDetails attaches field-level details and returns f.
func (f *Failure) WithDetails(details ...Detail) *Failure {
	f.Details = append(f.Details, details...)
	return f
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Kind.String())
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if len(f.Details) > 0 {
		parts := make([]string, len(f.Details))
		for i, d := range f.Details {
			parts[i] = d.String()
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, "; "))
	}
	if f.Attempts > 0 {
		fmt.Fprintf(&b, " after %d attempt(s)", f.Attempts)
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Feedback renders the failure as context for the next generation attempt.
func (f *Failure) Feedback() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failure kind: %s\n", f.Kind)
	if f.Message != "" {
		fmt.Fprintf(&b, "Message: %s\n", f.Message)
	}
	if f.Module != "" {
		fmt.Fprintf(&b, "Offending import: %s\n", f.Module)
	}
	if f.Cause != nil && f.Kind == ExecutionRaised {
		fmt.Fprintf(&b, "Cause: %v\n", f.Cause)
	}
	if len(f.Details) > 0 {
		b.WriteString("Problems:\n")
		for _, d := range f.Details {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	return b.String()
}

// As returns the *Failure in err's chain, if any.
func As(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Failure in err's chain.
func KindOf(err error) (Kind, bool) {
	if f, ok := As(err); ok {
		return f.Kind, true
	}
	return 0, false
}
