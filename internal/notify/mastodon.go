package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	"github.com/failsafe-go/failsafe-go"
	mastodonapi "github.com/mattn/go-mastodon"
)

const (
	envMastodonServer      = "CAWATCH_MASTODON_SERVER"
	envMastodonAccessToken = "CAWATCH_MASTODON_ACCESS_TOKEN"
	mastodonName           = "mastodon"
)

// MastodonConfig contains the settings needed to reach a Mastodon server.
type MastodonConfig struct {
	Server      string
	AccessToken string
}

// Mastodon delivers alerts as direct messages. Destinations are account
// handles such as "alice" or "alice@example.social".
type Mastodon struct {
	client   *mastodonapi.Client
	executor failsafe.Executor[*mastodonapi.Status]
}

// NewMastodon builds the sink, filling empty fields from the environment.
func NewMastodon(cfg MastodonConfig) (*Mastodon, error) {
	if cfg.Server == "" {
		cfg.Server = strings.TrimSpace(os.Getenv(envMastodonServer))
	}
	if cfg.AccessToken == "" {
		cfg.AccessToken = strings.TrimSpace(os.Getenv(envMastodonAccessToken))
	}
	var missing []string
	if cfg.Server == "" {
		missing = append(missing, envMastodonServer)
	}
	if cfg.AccessToken == "" {
		missing = append(missing, envMastodonAccessToken)
	}
	if len(missing) > 0 {
		return nil, watch.MissingEnvError{Provider: mastodonName, Variables: missing}
	}

	client := mastodonapi.NewClient(&mastodonapi.Config{
		Server:      cfg.Server,
		AccessToken: cfg.AccessToken,
	})
	client.Timeout = requestTimeout
	return &Mastodon{
		client:   client,
		executor: retryExecutor[*mastodonapi.Status](3, 500*time.Millisecond),
	}, nil
}

func (m *Mastodon) Name() string { return mastodonName }

func (m *Mastodon) Deliver(ctx context.Context, destination, text string) error {
	handle := strings.TrimPrefix(strings.TrimSpace(destination), "@")
	if handle == "" {
		return watch.ConfigError{Field: "notify.destination", Reason: "not set"}
	}
	toot := &mastodonapi.Toot{
		Status:     "@" + handle + " " + text,
		Visibility: "direct",
	}
	_, err := m.executor.WithContext(ctx).Get(func() (*mastodonapi.Status, error) {
		status, err := m.client.PostStatus(ctx, toot)
		if err != nil && !watch.ContainsAny(err, "429", "bad gateway", "service unavailable", "timeout") {
			return status, permanent{err}
		}
		return status, err
	})
	if err != nil {
		return fmt.Errorf("post direct message: %w", err)
	}
	return nil
}
