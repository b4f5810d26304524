package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/storeplane/storeplane/pkg/apierror"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	g := NewWithT(t)

	b := New("test-open", Config{FailureThreshold: 3, ResetTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		g.Expect(b.State()).To(Equal("closed"), "breaker stays closed until the threshold is reached")
		err := b.Do(context.Background(), func(context.Context) error { return boom })
		g.Expect(err).To(MatchError(boom))
	}
	g.Expect(b.State()).To(Equal("open"))

	err := b.Do(context.Background(), func(context.Context) error { return nil })
	g.Expect(err).To(HaveOccurred())
	apiErr, ok := apierror.As(err)
	g.Expect(ok).To(BeTrue())
	g.Expect(apiErr.Code).To(Equal(apierror.CodeCircuitOpen))
	g.Expect(apiErr.Retryable).To(BeTrue())
	g.Expect(apiErr.RetryAfter).To(BeNumerically(">", 0))
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	g := NewWithT(t)

	b := New("test-reset", Config{FailureThreshold: 2, ResetTimeout: time.Minute})
	boom := errors.New("boom")

	g.Expect(b.Do(context.Background(), func(context.Context) error { return boom })).To(MatchError(boom))
	g.Expect(b.Do(context.Background(), func(context.Context) error { return nil })).To(Succeed())
	g.Expect(b.Do(context.Background(), func(context.Context) error { return boom })).To(MatchError(boom))
	// The counter was zeroed by the success, so one more failure is still short
	// of the threshold.
	g.Expect(b.State()).To(Equal("closed"))
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	g := NewWithT(t)

	b := New("test-halfopen", Config{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond, HalfOpenMax: 1})
	boom := errors.New("boom")

	g.Expect(b.Do(context.Background(), func(context.Context) error { return boom })).To(MatchError(boom))
	g.Expect(b.State()).To(Equal("open"))

	time.Sleep(30 * time.Millisecond)

	g.Expect(b.Do(context.Background(), func(context.Context) error { return nil })).To(Succeed())
	g.Expect(b.State()).To(Equal("closed"))
}

func TestBreakerIsFailurePredicate(t *testing.T) {
	g := NewWithT(t)

	benign := errors.New("benign")
	b := New("test-predicate", Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		IsFailure:        func(err error) bool { return !errors.Is(err, benign) },
	})

	for i := 0; i < 5; i++ {
		g.Expect(b.Do(context.Background(), func(context.Context) error { return benign })).To(MatchError(benign))
	}
	g.Expect(b.State()).To(Equal("closed"), "errors the predicate excludes never trip the breaker")
}

func TestRegistry(t *testing.T) {
	g := NewWithT(t)
	Reset()
	t.Cleanup(Reset)

	a := Get("cluster", Config{FailureThreshold: 1, ResetTimeout: time.Minute})
	b := Get("cluster", Config{FailureThreshold: 99, ResetTimeout: time.Hour})
	g.Expect(a).To(BeIdenticalTo(b), "Get returns the shared named instance")

	states := States()
	g.Expect(states).To(HaveKeyWithValue("cluster", "closed"))
}
