package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shineum/mail-gateway/internal/email"
)

func TestDetailPrefixesAreDistinct(t *testing.T) {
	t.Parallel()

	kinds := []FailureKind{
		FailureAuth, FailureConnect, FailureRecipient, FailureSender,
		FailureData, FailureProtocol, FailureUnknown, FailureAssembly,
	}
	seen := make(map[string]FailureKind)
	for _, k := range kinds {
		d := k.Detail()
		if d == "" {
			t.Errorf("kind %q has empty detail", k)
		}
		if prev, dup := seen[d]; dup {
			t.Errorf("kinds %q and %q share detail %q", prev, k, d)
		}
		seen[d] = k
	}
}

func TestDeliveryErrorIs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind   FailureKind
		target error
		want   bool
	}{
		{FailureAuth, email.ErrAuthenticationFailed, true},
		{FailureConnect, email.ErrTransportUnavailable, true},
		{FailureRecipient, email.ErrRejected, true},
		{FailureSender, email.ErrRejected, true},
		{FailureData, email.ErrRejected, true},
		{FailureProtocol, email.ErrRejected, false},
		{FailureAssembly, email.ErrAssembly, true},
		{FailureUnknown, email.ErrTransportUnavailable, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("deliver: %w", Fail(tt.kind, errors.New("boom")))
		if got := errors.Is(err, tt.target); got != tt.want {
			t.Errorf("errors.Is(%s, %v): got %v, want %v", tt.kind, tt.target, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	kind, detail := Classify(fmt.Errorf("wrapped: %w", Fail(FailureRecipient, errors.New("550 no such user"))))
	if kind != FailureRecipient {
		t.Errorf("kind: got %q, want %q", kind, FailureRecipient)
	}
	if !strings.HasPrefix(detail, FailureRecipient.Detail()) || !strings.Contains(detail, "550 no such user") {
		t.Errorf("detail: got %q", detail)
	}

	kind, detail = Classify(fmt.Errorf("%w: attachment k: missing", email.ErrAssembly))
	if kind != FailureAssembly {
		t.Errorf("kind: got %q, want %q", kind, FailureAssembly)
	}
	if !strings.HasPrefix(detail, FailureAssembly.Detail()) {
		t.Errorf("detail: got %q", detail)
	}

	kind, detail = Classify(errors.New("weird"))
	if kind != FailureUnknown {
		t.Errorf("kind: got %q, want %q", kind, FailureUnknown)
	}
	if !strings.HasPrefix(detail, FailureUnknown.Detail()) {
		t.Errorf("detail: got %q", detail)
	}
}
