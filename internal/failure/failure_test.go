package failure

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{SyntaxInvalid, "syntax_invalid"},
		{ForbiddenImport, "forbidden_import"},
		{SignatureInvalid, "signature_invalid"},
		{MissingReturn, "missing_return"},
		{ExecutionTimeout, "execution_timeout"},
		{ExecutionRaised, "execution_raised"},
		{InvalidReturnShape, "invalid_return_shape"},
		{NonConformant, "non_conformant"},
		{JudgmentFailed, "judgment_failed"},
		{RegenerationExhausted, "regeneration_exhausted"},
		{GenerationTransportError, "generation_transport_error"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestIsFatal(t *testing.T) {
	assert.True(t, RegenerationExhausted.IsFatal())
	assert.True(t, GenerationTransportError.IsFatal())
	assert.False(t, NonConformant.IsFatal())
	assert.False(t, JudgmentFailed.IsFatal())
}

func TestFailureError(t *testing.T) {
	f := New(NonConformant, "2 field(s) rejected").WithDetails(
		Detail{Path: "/price", Problem: "cannot coerce \"abc\" to number"},
		Detail{Path: "/title", Problem: "property \"title\" is missing"},
	)
	msg := f.Error()
	assert.True(t, strings.HasPrefix(msg, "non_conformant: 2 field(s) rejected"))
	assert.Contains(t, msg, "/price: cannot coerce")
	assert.Contains(t, msg, "/title: property")

	f.Attempts = 3
	assert.Contains(t, f.Error(), "after 3 attempt(s)")
}

func TestForbidden(t *testing.T) {
	f := Forbidden("os/exec")
	assert.Equal(t, ForbiddenImport, f.Kind)
	assert.Equal(t, "os/exec", f.Module)
	assert.Contains(t, f.Feedback(), "Offending import: os/exec")
}

func TestAsThroughWrapping(t *testing.T) {
	cause := errors.New("boom")
	inner := Wrap(ExecutionRaised, cause, "ExtractData raised")
	err := fmt.Errorf("attempt 2: %w", inner)

	got, ok := As(err)
	require.True(t, ok)
	assert.Same(t, inner, got)
	assert.ErrorIs(t, err, cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, ExecutionRaised, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestFeedbackIncludesDetails(t *testing.T) {
	f := New(JudgmentFailed, "judge rejected the result").WithDetails(
		Detail{Problem: "title looks like navigation text"},
	)
	fb := f.Feedback()
	assert.Contains(t, fb, "Failure kind: judgment_failed")
	assert.Contains(t, fb, "- title looks like navigation text")
}
