package lifecycle

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/storeplane/storeplane/pkg/apierror"
)

// allowed mirrors the transition table; the totality test walks the full
// cross product of states against it.
var allowed = map[Status]map[Status]bool{
	StatusRequested:    {StatusProvisioning: true, StatusFailed: true},
	StatusProvisioning: {StatusReady: true, StatusFailed: true},
	StatusReady:        {StatusDeleting: true},
	StatusFailed:       {StatusRequested: true, StatusDeleting: true},
	StatusDeleting:     {StatusDeleted: true, StatusFailed: true},
	StatusDeleted:      {},
}

func TestValidateTransitionTotality(t *testing.T) {
	g := NewWithT(t)

	for _, from := range All() {
		for _, to := range All() {
			err := ValidateTransition(from, to)
			if allowed[from][to] {
				g.Expect(err).NotTo(HaveOccurred(), "%s -> %s should be valid", from, to)
			} else {
				g.Expect(err).To(HaveOccurred(), "%s -> %s should be invalid", from, to)
				g.Expect(apierror.CodeOf(err)).To(Equal(apierror.CodeInvalidStateTransition))
			}
		}
	}
}

func TestClassifications(t *testing.T) {
	g := NewWithT(t)

	g.Expect(StatusDeleted.IsTerminal()).To(BeTrue())
	for _, s := range []Status{StatusRequested, StatusProvisioning, StatusReady, StatusFailed, StatusDeleting} {
		g.Expect(s.IsTerminal()).To(BeFalse(), "%s is not terminal", s)
	}

	for _, s := range []Status{StatusRequested, StatusProvisioning, StatusReady, StatusDeleting} {
		g.Expect(s.IsActive()).To(BeTrue(), "%s is active", s)
	}
	g.Expect(StatusFailed.IsActive()).To(BeFalse())
	g.Expect(StatusDeleted.IsActive()).To(BeFalse())

	g.Expect(InProgress()).To(ConsistOf(StatusRequested, StatusProvisioning, StatusDeleting))
}

func TestCanDelete(t *testing.T) {
	tests := []struct {
		status  Status
		allowed bool
	}{
		{StatusReady, true},
		{StatusFailed, true},
		{StatusRequested, false},
		{StatusProvisioning, false},
		{StatusDeleting, false},
		{StatusDeleted, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			g := NewWithT(t)
			ok, reason := CanDelete(tc.status)
			g.Expect(ok).To(Equal(tc.allowed))
			if !tc.allowed {
				g.Expect(reason).NotTo(BeEmpty())
			}
		})
	}
}

func TestCanRetry(t *testing.T) {
	g := NewWithT(t)
	g.Expect(CanRetry(StatusFailed)).To(BeTrue())
	for _, s := range []Status{StatusRequested, StatusProvisioning, StatusReady, StatusDeleting, StatusDeleted} {
		g.Expect(CanRetry(s)).To(BeFalse(), "%s is not retryable", s)
	}
}
