// Package twitter reads user timelines from X through the v2 API.
package twitter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/logutil"
	"github.com/blacktop/cawatch/internal/watch"
	"github.com/michimani/gotwi"
	"github.com/michimani/gotwi/fields"
	"github.com/michimani/gotwi/resources"
	"github.com/michimani/gotwi/tweet/timeline"
	timelinetypes "github.com/michimani/gotwi/tweet/timeline/types"
	"github.com/michimani/gotwi/user/userlookup"
	userlookuptypes "github.com/michimani/gotwi/user/userlookup/types"
)

const (
	envAPIKey    = "CAWATCH_TWITTER_API_KEY"
	envAPISecret = "CAWATCH_TWITTER_API_SECRET"

	providerName   = "twitter"
	requestTimeout = 30 * time.Second
	windowSize     = 10
)

// Config holds app credentials used when a worker account carries none.
type Config struct {
	APIKey    string
	APISecret string
}

// Provider implements watch.Provider with app-only OAuth2 bearer tokens.
// Each worker account brings its own API key and secret.
type Provider struct {
	cfg  Config
	http *http.Client
}

type session struct {
	username string
	api      *gotwi.Client
}

func (s *session) Username() string { return s.username }

// New builds the provider, filling empty fields from the environment.
func New(cfg Config) *Provider {
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv(envAPIKey))
	}
	if cfg.APISecret == "" {
		cfg.APISecret = strings.TrimSpace(os.Getenv(envAPISecret))
	}
	return &Provider{cfg: cfg, http: &http.Client{Timeout: requestTimeout}}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return providerName }

func (p *Provider) credentials(acct watch.WorkerAccount) (string, string, error) {
	key, secret := acct.Credentials.Token, acct.Credentials.Secret
	if key == "" {
		key = p.cfg.APIKey
	}
	if secret == "" {
		secret = p.cfg.APISecret
	}
	var missing []string
	if key == "" {
		missing = append(missing, envAPIKey)
	}
	if secret == "" {
		missing = append(missing, envAPISecret)
	}
	if len(missing) > 0 {
		return "", "", watch.MissingEnvError{Provider: providerName, Variables: missing}
	}
	return key, secret, nil
}

func (p *Provider) Login(_ context.Context, acct watch.WorkerAccount) (watch.Session, error) {
	key, secret, err := p.credentials(acct)
	if err != nil {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: err}
	}
	client, err := gotwi.NewClient(&gotwi.NewClientInput{
		HTTPClient:           p.http,
		AuthenticationMethod: gotwi.AuthenMethodOAuth2BearerToken,
		APIKey:               key,
		APIKeySecret:         secret,
		Debug:                os.Getenv("CAWATCH_TWITTER_DEBUG") == "1",
	})
	if err != nil {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: unwrapGotwiError(err)}
	}
	if !client.IsReady() {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: errors.New("client not ready")}
	}
	return &session{username: acct.Username, api: client}, nil
}

func (p *Provider) Resume(_ context.Context, acct watch.WorkerAccount, token string) (watch.Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("empty bearer token")
	}
	client, err := gotwi.NewClientWithAccessToken(&gotwi.NewClientWithAccessTokenInput{
		HTTPClient:  p.http,
		AccessToken: token,
	})
	if err != nil {
		return nil, fmt.Errorf("restore X client: %w", err)
	}
	return &session{username: acct.Username, api: client}, nil
}

// Probe looks the worker up by name. A suspended worker is reported by the
// API as a lookup error mentioning suspension.
func (p *Provider) Probe(ctx context.Context, s watch.Session) error {
	sess, err := asSession(s)
	if err != nil {
		return err
	}
	out, err := userlookup.GetByUsername(ctx, sess.api, &userlookuptypes.GetByUsernameInput{Username: sess.username})
	if err != nil {
		if isSuspended(err) {
			return watch.SuspensionError{Provider: providerName, Username: sess.username, Reason: summarize(err)}
		}
		return classifyErr(err, sess.username)
	}
	if len(out.Errors) > 0 {
		if err := partialError(out.Errors); err != nil && strings.Contains(strings.ToLower(err.Error()), "suspended") {
			return watch.SuspensionError{Provider: providerName, Username: sess.username, Reason: err.Error()}
		}
	}
	return nil
}

func (p *Provider) Token(s watch.Session) (string, error) {
	sess, err := asSession(s)
	if err != nil {
		return "", err
	}
	token := sess.api.AccessToken()
	if token == "" {
		return "", errors.New("no bearer token issued")
	}
	return token, nil
}

// ResolveTarget looks the handle up. Worker rate limits and revoked
// credentials come back as RateLimitError and AuthError so the caller can
// rotate; anything else means the target itself is unusable.
func (p *Provider) ResolveTarget(ctx context.Context, s watch.Session, identifier string) (watch.Handle, error) {
	sess, err := asSession(s)
	if err != nil {
		return watch.Handle{}, err
	}
	name := strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	out, err := userlookup.GetByUsername(ctx, sess.api, &userlookuptypes.GetByUsernameInput{Username: name})
	if err != nil {
		switch p.Classify(err) {
		case watch.ClassRateLimit, watch.ClassAuth:
			return watch.Handle{}, classifyErr(err, sess.username)
		}
		return watch.Handle{}, watch.TargetResolutionError{Provider: providerName, Target: name, Err: unwrapGotwiError(err)}
	}
	if out.Data.ID == nil || *out.Data.ID == "" {
		return watch.Handle{}, watch.TargetResolutionError{Provider: providerName, Target: name, Err: partialError(out.Errors)}
	}
	return watch.Handle{ID: *out.Data.ID, Name: gotwi.StringValue(out.Data.Username)}, nil
}

func (p *Provider) FetchLatest(ctx context.Context, s watch.Session, h watch.Handle) (watch.Window, error) {
	sess, err := asSession(s)
	if err != nil {
		return nil, err
	}
	out, err := timeline.ListTweets(ctx, sess.api, &timelinetypes.ListTweetsInput{
		ID:          h.ID,
		MaxResults:  timelinetypes.ListMaxResults(windowSize),
		Expansions:  fields.ExpansionList{fields.ExpansionAttachmentsMediaKeys},
		TweetFields: fields.TweetFieldList{fields.TweetFieldCreatedAt, fields.TweetFieldReferencedTweets, fields.TweetFieldAttachments},
		MediaFields: fields.MediaFieldList{fields.MediaFieldURL, fields.MediaFieldType, fields.MediaFieldPreviewImageURL},
	})
	if err != nil {
		return nil, classifyErr(err, sess.username)
	}

	media := make(map[string]string, len(out.Includes.Media))
	for _, m := range out.Includes.Media {
		key := gotwi.StringValue(m.MediaKey)
		if u := gotwi.StringValue(m.URL); u != "" {
			media[key] = u
		} else if u := gotwi.StringValue(m.PreviewImageURL); u != "" {
			media[key] = u
		}
	}

	win := make(watch.Window, 0, len(out.Data))
	for _, t := range out.Data {
		win = append(win, toPost(t, media, h.Name))
	}
	logutil.Debugf("twitter: %d tweets for %s", len(win), h.Name)
	return win, nil
}

// Classify maps X API status codes to recovery classes.
func (p *Provider) Classify(err error) watch.Class {
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		switch gwErr.StatusCode {
		case http.StatusTooManyRequests:
			return watch.ClassRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return watch.ClassAuth
		}
	}
	return watch.ClassOf(err)
}

func toPost(t resources.Tweet, media map[string]string, username string) watch.Post {
	post := watch.Post{
		ID:   gotwi.StringValue(t.ID),
		Text: gotwi.StringValue(t.Text),
	}
	if t.CreatedAt != nil {
		post.CreatedAt = *t.CreatedAt
	}
	for _, ref := range t.ReferencedTweets {
		if gotwi.StringValue(ref.Type) == "retweeted" {
			post.IsReshare = true
		}
	}
	if t.Attachments != nil {
		for _, key := range t.Attachments.MediaKeys {
			if u, ok := media[key]; ok {
				post.Media = append(post.Media, u)
			}
		}
	}
	if username != "" && post.ID != "" {
		post.URL = fmt.Sprintf("https://x.com/%s/status/%s", username, post.ID)
	}
	return post
}

func classifyErr(err error, username string) error {
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		switch gwErr.StatusCode {
		case http.StatusTooManyRequests:
			return watch.RateLimitError{Provider: providerName, Err: errors.New(summarizeGotwiError(gwErr))}
		case http.StatusUnauthorized, http.StatusForbidden:
			return watch.AuthError{Provider: providerName, Username: username, Err: errors.New(summarizeGotwiError(gwErr))}
		}
	}
	return watch.FetchError{Provider: providerName, Err: unwrapGotwiError(err)}
}

func isSuspended(err error) bool {
	return watch.ContainsAny(unwrapGotwiError(err), "suspended")
}

func summarize(err error) string {
	return unwrapGotwiError(err).Error()
}

func asSession(s watch.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.api == nil {
		return nil, watch.ValidationError{Provider: providerName, Reason: fmt.Sprintf("unexpected session type %T", s)}
	}
	return sess, nil
}

func partialError(partials []resources.PartialError) error {
	if len(partials) == 0 {
		return errors.New("no data returned")
	}
	msgs := make([]string, 0, len(partials))
	for _, pe := range partials {
		switch {
		case pe.Detail != nil && *pe.Detail != "":
			msgs = append(msgs, *pe.Detail)
		case pe.Title != nil && *pe.Title != "":
			msgs = append(msgs, *pe.Title)
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "unknown error")
	}
	return errors.New(strings.Join(msgs, "; "))
}

func unwrapGotwiError(err error) error {
	var gwErr *gotwi.GotwiError
	if errors.As(err, &gwErr) && gwErr != nil {
		return errors.New(summarizeGotwiError(gwErr))
	}
	return err
}

func summarizeGotwiError(err *gotwi.GotwiError) string {
	parts := make([]string, 0, 4)
	if err.Title != "" {
		parts = append(parts, err.Title)
	}
	if err.Detail != "" {
		parts = append(parts, err.Detail)
	}
	for _, apiErr := range err.APIErrors {
		if apiErr.Message != "" {
			parts = append(parts, apiErr.Message)
		}
	}
	if len(parts) == 0 {
		if err.StatusCode != 0 {
			return fmt.Sprintf("X API request failed with status %d", err.StatusCode)
		}
		return "X API request failed"
	}
	return strings.Join(parts, "; ")
}
