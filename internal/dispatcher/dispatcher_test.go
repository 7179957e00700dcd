package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/gateway"
)

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.Outcome
	}{
		{"session not ready requeues", domain.ErrSessionNotReady, domain.OutcomeRetry},
		{"wrapped not ready requeues", fmt.Errorf("send: %w", domain.ErrSessionNotReady), domain.OutcomeRetry},
		{"logout fails job", &gateway.LogoutError{Reason: "revoked"}, domain.OutcomeFailed},
		{"permanent rejection fails job", &gateway.PermanentError{Code: "invalid_recipient"}, domain.OutcomeFailed},
		{"deadline requeues", context.DeadlineExceeded, domain.OutcomeRetry},
		{"unknown transport error requeues", errors.New("connection reset"), domain.OutcomeRetry},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("%s: classify(%v) = %s, want %s", tc.name, tc.err, got, tc.want)
		}
	}
}
