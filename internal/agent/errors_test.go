package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/loomlabs/loom/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindUnknown},
		{Errf(KindValidation, "op", "bad input"), KindValidation},
		{fmt.Errorf("wrapped: %w", Errf(KindTransient, "op", "busy")), KindTransient},
		{context.Canceled, KindCancelled},
		{context.DeadlineExceeded, KindTransient},
		{store.ErrNotFound, KindNotFound},
		{store.ErrConflict, KindValidation},
		{store.ErrUnavailable, KindTransient},
		{errors.New("connection refused"), KindTransient},
		{errors.New("upstream returned 503"), KindTransient},
		{errors.New("invalid api key"), KindFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("rate limit exceeded")) {
		t.Error("rate limit should be retryable")
	}
	if Retryable(Errf(KindFatal, "op", "broken schema")) {
		t.Error("fatal errors are not retryable")
	}
}

func TestWrapErrNil(t *testing.T) {
	if WrapErr(KindTransient, "op", nil) != nil {
		t.Error("WrapErr(nil) must be nil")
	}
}
