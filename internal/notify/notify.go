// Package notify delivers alerts and operator messages to external
// destinations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/blacktop/cawatch/internal/extract"
	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const maxSnippet = 280

// Sink delivers text to a destination. The destination's format is owned by
// the sink: a chat id or @channel for telegram, an account for mastodon.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, destination, text string) error
}

// Log writes deliveries to a writer instead of sending them.
type Log struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLog returns a dry-run sink writing to out.
func NewLog(out io.Writer) *Log {
	return &Log{out: out}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Deliver(_ context.Context, destination, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.out, "[dry-run] would notify %s: %q\n", destination, text)
	return err
}

// Logger writes deliveries to the structured log.
type Logger struct{}

func (Logger) Name() string { return "log" }

func (Logger) Deliver(_ context.Context, destination, text string) error {
	logutil.With("sink", "log", "to", destination).Info(text)
	return nil
}

// Multi fans a delivery out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

func (m Multi) Deliver(ctx context.Context, destination, text string) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, destination, text); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Alert renders the message sent when a post carries contract addresses.
func Alert(target string, p watch.Post, addrs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New contract address from %s\n", target)
	for _, a := range addrs {
		fmt.Fprintf(&b, "%s (%s)\n", a, extract.Classify(a))
	}
	if snippet := snip(p.Text); snippet != "" {
		fmt.Fprintf(&b, "\n%s\n", snippet)
	}
	if p.URL != "" {
		fmt.Fprintf(&b, "\n%s", p.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func snip(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= maxSnippet {
		return text
	}
	return string(r[:maxSnippet-1]) + "…"
}

// permanent marks an error the remote will keep rejecting.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// retryExecutor retries transient delivery failures with exponential backoff.
func retryExecutor[T any](maxRetries int, base time.Duration) failsafe.Executor[T] {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(base, 20*base).
		WithMaxRetries(maxRetries).
		HandleIf(func(_ T, err error) bool {
			var perm permanent
			return err != nil && !errors.As(err, &perm) && !errors.Is(err, context.Canceled)
		}).
		Build()
	return failsafe.With(policy)
}
