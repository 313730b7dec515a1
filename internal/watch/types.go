package watch

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Platform is the kind of post source a job monitors.
type Platform string

const (
	SocialFeed       Platform = "social-feed"
	MessagingChannel Platform = "messaging-channel"
)

// ParsePlatform normalizes a user supplied platform name.
func ParsePlatform(raw string) (Platform, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "social-feed", "social", "feed", "twitter", "x":
		return SocialFeed, nil
	case "messaging-channel", "channel", "messaging", "telegram":
		return MessagingChannel, nil
	case "":
		return "", ConfigError{Field: "platform", Reason: "not set"}
	}
	return "", ConfigError{Field: "platform", Reason: fmt.Sprintf("unsupported platform %q", raw)}
}

// DefaultProvider returns the provider used when a job does not name one.
func (p Platform) DefaultProvider() string {
	if p == MessagingChannel {
		return "telegram"
	}
	return "twitter"
}

// Health is the last known state of a worker account.
type Health string

const (
	HealthUnknown     Health = "unknown"
	HealthHealthy     Health = "healthy"
	HealthSuspended   Health = "suspended"
	HealthRateLimited Health = "rate_limited"
)

// Credentials is the login material for a worker. Providers interpret the
// fields differently: Token/Secret are API keys for twitter and a bot token
// for telegram, Email/Password a password grant for mastodon and bluesky.
type Credentials struct {
	Email    string `json:"email,omitempty" bson:"email,omitempty"`
	Password string `json:"password,omitempty" bson:"password,omitempty"`
	Token    string `json:"token,omitempty" bson:"token,omitempty"`
	Secret   string `json:"secret,omitempty" bson:"secret,omitempty"`
}

// WorkerAccount is one identity used to issue polling requests.
type WorkerAccount struct {
	Username    string      `json:"username" bson:"username"`
	Owner       string      `json:"owner" bson:"owner"`
	Credentials Credentials `json:"credentials" bson:"credentials"`
	Session     string      `json:"-" bson:"-"`
	Health      Health      `json:"health,omitempty" bson:"health,omitempty"`
}

// Key scopes the account's cached session to its owning job.
func (a WorkerAccount) Key() AccountKey {
	return AccountKey{Owner: a.Owner, Username: a.Username}
}

// AccountKey identifies a cached session by worker identity and owner.
type AccountKey struct {
	Owner    string
	Username string
}

func (k AccountKey) String() string {
	return k.Owner + "/" + k.Username
}

// Post is a platform agnostic tweet/status/message.
type Post struct {
	ID        string
	Text      string
	Media     []string
	CreatedAt time.Time
	IsReshare bool
	URL       string
}

// Window is one batch of fetched posts, in the platform's native order.
type Window []Post

// Handle is a resolved monitoring target.
type Handle struct {
	ID   string
	Name string
}

// Session is an authenticated worker client. Concrete types are owned by the
// provider that produced them.
type Session interface {
	Username() string
}

// Connector logs workers in and checks their health.
type Connector interface {
	// Resume rebuilds a session from a cached token without a full login.
	Resume(ctx context.Context, acct WorkerAccount, token string) (Session, error)
	// Login performs a full credential login.
	Login(ctx context.Context, acct WorkerAccount) (Session, error)
	// Probe is a cheap health check. Suspended accounts yield a SuspensionError.
	Probe(ctx context.Context, s Session) error
	// Token serializes the session for the session cache.
	Token(s Session) (string, error)
}

// PostSource reads posts for a target.
type PostSource interface {
	Name() string
	ResolveTarget(ctx context.Context, s Session, identifier string) (Handle, error)
	FetchLatest(ctx context.Context, s Session, h Handle) (Window, error)
	Classify(err error) Class
}

// Provider is everything the engine needs from one backend.
type Provider interface {
	Connector
	PostSource
}
