// Package source builds the post source for a job's platform and provider.
package source

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blacktop/cawatch/internal/source/bluesky"
	"github.com/blacktop/cawatch/internal/source/mastodon"
	"github.com/blacktop/cawatch/internal/source/telegram"
	"github.com/blacktop/cawatch/internal/source/twitter"
	"github.com/blacktop/cawatch/internal/watch"
)

// Options carries provider settings. Empty values fall back to each
// provider's environment variables.
type Options struct {
	Twitter  twitter.Config
	Mastodon mastodon.Config
	Bluesky  bluesky.Config
}

var platforms = map[string]watch.Platform{
	"twitter":  watch.SocialFeed,
	"mastodon": watch.SocialFeed,
	"bluesky":  watch.SocialFeed,
	"telegram": watch.MessagingChannel,
}

// Supported lists the provider names, sorted.
func Supported() []string {
	out := make([]string, 0, len(platforms))
	for name := range platforms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New returns the provider named name for platform. An empty name selects
// the platform's default provider.
func New(platform watch.Platform, name string, opts Options) (watch.Provider, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		name = platform.DefaultProvider()
	}
	want, ok := platforms[name]
	if !ok {
		return nil, watch.ConfigError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", name)}
	}
	if want != platform {
		return nil, watch.ConfigError{Field: "provider", Reason: fmt.Sprintf("%s is not a %s provider", name, platform)}
	}

	switch name {
	case "twitter":
		return twitter.New(opts.Twitter), nil
	case "mastodon":
		p, err := mastodon.New(opts.Mastodon)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "bluesky":
		return bluesky.New(opts.Bluesky), nil
	case "telegram":
		return telegram.New(nil), nil
	}
	return nil, watch.ConfigError{Field: "provider", Reason: fmt.Sprintf("provider %q is not implemented", name)}
}
