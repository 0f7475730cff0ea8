package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeUnknownSagaType, "saga type is not registered")
	wrapped := fmt.Errorf("start saga: %w", WithMetadata(CodeUnknownSagaType, "saga type quest is not registered", map[string]string{"type": "quest"}))

	if !stderrors.Is(wrapped, sentinel) {
		t.Fatal("expected wrapped error to match sentinel by code")
	}
	if stderrors.Is(wrapped, New(CodeNotFound, "not found")) {
		t.Fatal("expected different code not to match")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodePersistence, "save event window", stderrors.New("disk full"))
	if got := err.Error(); got != "save event window: disk full" {
		t.Fatalf("error = %q", got)
	}
	if !stderrors.Is(err, err.Cause) {
		t.Fatal("expected unwrap to expose cause")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: stderrors.New("boom"), want: CodeUnknown},
		{name: "domain", err: New(CodeCommandTimeout, "timeout"), want: CodeCommandTimeout},
		{name: "wrapped", err: fmt.Errorf("outer: %w", New(CodeDuplicateEvent, "dup")), want: CodeDuplicateEvent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Fatalf("CodeOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := map[Code]codes.Code{
		CodeEventTypeUnknown:    codes.InvalidArgument,
		CodeUnknownSagaType:     codes.InvalidArgument,
		CodeInvalidTransition:   codes.FailedPrecondition,
		CodeDuplicateEvent:      codes.AlreadyExists,
		CodeCorrelationInFlight: codes.Aborted,
		CodeCommandTimeout:      codes.DeadlineExceeded,
		CodeNotFound:            codes.NotFound,
		CodePersistence:         codes.Unavailable,
		CodeProjection:          codes.Internal,
	}
	for code, want := range tests {
		if got := code.GRPCCode(); got != want {
			t.Fatalf("%s.GRPCCode() = %v, want %v", code, got, want)
		}
	}
}

func TestToGRPCStatus(t *testing.T) {
	if ToGRPCStatus(nil) != nil {
		t.Fatal("expected nil status for nil error")
	}
	st, ok := status.FromError(ToGRPCStatus(New(CodeNotFound, "saga not found")))
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.NotFound {
		t.Fatalf("code = %v, want %v", st.Code(), codes.NotFound)
	}
	if st.Message() != "saga not found" {
		t.Fatalf("message = %q", st.Message())
	}
}
