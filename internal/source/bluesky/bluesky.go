// Package bluesky reads author feeds over XRPC.
package bluesky

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
)

const (
	envPDSURL = "CAWATCH_BLUESKY_PDS_URL"

	providerName   = "bluesky"
	requestTimeout = 30 * time.Second
	defaultPDSURL  = "https://bsky.social"
	windowSize     = 20
	feedFilter     = "posts_no_replies"
)

// Config allows the caller to supply defaults prior to reading environment variables.
type Config struct {
	PDSURL string
}

// Provider implements watch.Provider. Worker accounts log in with a handle
// or email plus an app password.
type Provider struct {
	pds  string
	http *http.Client
}

type session struct {
	username string
	client   *xrpc.Client
}

func (s *session) Username() string { return s.username }

// storedAuth is the serialized form kept in the session cache.
type storedAuth struct {
	AccessJwt  string `json:"access_jwt"`
	RefreshJwt string `json:"refresh_jwt"`
	Handle     string `json:"handle"`
	Did        string `json:"did"`
}

// New builds the provider.
func New(base Config) *Provider {
	pds := strings.TrimSpace(os.Getenv(envPDSURL))
	if pds == "" {
		pds = strings.TrimSpace(base.PDSURL)
	}
	if pds == "" {
		pds = defaultPDSURL
	}
	return &Provider{pds: strings.TrimRight(pds, "/"), http: &http.Client{Timeout: requestTimeout}}
}

// Name identifies the provider.
func (p *Provider) Name() string { return providerName }

func (p *Provider) client(auth *xrpc.AuthInfo) *xrpc.Client {
	userAgent := "cawatch/1"
	return &xrpc.Client{
		Client:    p.http,
		Host:      p.pds,
		UserAgent: &userAgent,
		Auth:      auth,
	}
}

func (p *Provider) Login(ctx context.Context, acct watch.WorkerAccount) (watch.Session, error) {
	identifier := acct.Credentials.Email
	if identifier == "" {
		identifier = acct.Username
	}
	if acct.Credentials.Password == "" {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: errors.New("app password not set")}
	}
	c := p.client(nil)
	out, err := atproto.ServerCreateSession(ctx, c, &atproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   acct.Credentials.Password,
	})
	if err != nil {
		if isSuspended(err) {
			return nil, watch.SuspensionError{Provider: providerName, Username: acct.Username, Reason: err.Error()}
		}
		if classify(err) == watch.ClassRateLimit {
			return nil, watch.RateLimitError{Provider: providerName, Err: err}
		}
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: err}
	}
	if out.Active != nil && !*out.Active {
		return nil, watch.SuspensionError{Provider: providerName, Username: acct.Username, Reason: statusOf(out.Status)}
	}
	c.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	return &session{username: acct.Username, client: c}, nil
}

// Resume restores the cached tokens and refreshes them, so a session whose
// access token expired but whose refresh token is still valid is reused.
func (p *Provider) Resume(ctx context.Context, acct watch.WorkerAccount, token string) (watch.Session, error) {
	var stored storedAuth
	if err := json.Unmarshal([]byte(token), &stored); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	if stored.RefreshJwt == "" {
		return nil, errors.New("cached session has no refresh token")
	}
	c := p.client(&xrpc.AuthInfo{
		AccessJwt:  stored.AccessJwt,
		RefreshJwt: stored.RefreshJwt,
		Handle:     stored.Handle,
		Did:        stored.Did,
	})
	// refreshSession authenticates with the refresh token.
	c.Auth.AccessJwt = stored.RefreshJwt
	out, err := atproto.ServerRefreshSession(ctx, c)
	if err != nil {
		if isSuspended(err) {
			return nil, watch.SuspensionError{Provider: providerName, Username: acct.Username, Reason: err.Error()}
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	c.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Handle:     out.Handle,
		Did:        out.Did,
	}
	return &session{username: acct.Username, client: c}, nil
}

// Probe validates the access token. Deactivated or taken down accounts are
// reported as suspended.
func (p *Provider) Probe(ctx context.Context, s watch.Session) error {
	sess, err := asSession(s)
	if err != nil {
		return err
	}
	out, err := atproto.ServerGetSession(ctx, sess.client)
	if err != nil {
		if isSuspended(err) {
			return watch.SuspensionError{Provider: providerName, Username: sess.username, Reason: err.Error()}
		}
		return classifyErr(err, sess.username)
	}
	if out.Active != nil && !*out.Active {
		return watch.SuspensionError{Provider: providerName, Username: sess.username, Reason: statusOf(out.Status)}
	}
	return nil
}

func (p *Provider) Token(s watch.Session) (string, error) {
	sess, err := asSession(s)
	if err != nil {
		return "", err
	}
	if sess.client.Auth == nil {
		return "", errors.New("session is not authenticated")
	}
	buf, err := json.Marshal(storedAuth{
		AccessJwt:  sess.client.Auth.AccessJwt,
		RefreshJwt: sess.client.Auth.RefreshJwt,
		Handle:     sess.client.Auth.Handle,
		Did:        sess.client.Auth.Did,
	})
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func (p *Provider) ResolveTarget(ctx context.Context, s watch.Session, identifier string) (watch.Handle, error) {
	sess, err := asSession(s)
	if err != nil {
		return watch.Handle{}, err
	}
	actor := strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	profile, err := bsky.ActorGetProfile(ctx, sess.client, actor)
	if err != nil {
		switch classify(err) {
		case watch.ClassRateLimit, watch.ClassAuth:
			return watch.Handle{}, classifyErr(err, sess.username)
		}
		return watch.Handle{}, watch.TargetResolutionError{Provider: providerName, Target: actor, Err: err}
	}
	return watch.Handle{ID: profile.Did, Name: profile.Handle}, nil
}

func (p *Provider) FetchLatest(ctx context.Context, s watch.Session, h watch.Handle) (watch.Window, error) {
	sess, err := asSession(s)
	if err != nil {
		return nil, err
	}
	out, err := bsky.FeedGetAuthorFeed(ctx, sess.client, h.ID, "", feedFilter, false, windowSize)
	if err != nil {
		return nil, classifyErr(err, sess.username)
	}
	win := make(watch.Window, 0, len(out.Feed))
	for _, item := range out.Feed {
		if post, ok := toPost(item); ok {
			win = append(win, post)
		}
	}
	return win, nil
}

func (p *Provider) Classify(err error) watch.Class { return classify(err) }

func classify(err error) watch.Class {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		switch xe.StatusCode {
		case http.StatusTooManyRequests:
			return watch.ClassRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return watch.ClassAuth
		}
	}
	return watch.ClassOf(err)
}

func classifyErr(err error, username string) error {
	switch classify(err) {
	case watch.ClassRateLimit:
		var retry time.Duration
		var xe *xrpc.Error
		if errors.As(err, &xe) && xe.Ratelimit != nil {
			retry = time.Until(xe.Ratelimit.Reset)
		}
		return watch.RateLimitError{Provider: providerName, RetryAfter: max(retry, 0), Err: err}
	case watch.ClassAuth:
		return watch.AuthError{Provider: providerName, Username: username, Err: err}
	}
	return watch.FetchError{Provider: providerName, Err: err}
}

func toPost(item *bsky.FeedDefs_FeedViewPost) (watch.Post, bool) {
	if item == nil || item.Post == nil {
		return watch.Post{}, false
	}
	pv := item.Post
	post := watch.Post{ID: pv.Uri, URL: webURL(pv)}
	if item.Reason != nil && item.Reason.FeedDefs_ReasonRepost != nil {
		post.IsReshare = true
	}
	if pv.Record != nil {
		if rec, ok := pv.Record.Val.(*bsky.FeedPost); ok {
			post.Text = rec.Text
			if ts, err := time.Parse(time.RFC3339, rec.CreatedAt); err == nil {
				post.CreatedAt = ts
			}
		}
	}
	if post.CreatedAt.IsZero() {
		if ts, err := time.Parse(time.RFC3339, pv.IndexedAt); err == nil {
			post.CreatedAt = ts
		}
	}
	if pv.Embed != nil && pv.Embed.EmbedImages_View != nil {
		for _, img := range pv.Embed.EmbedImages_View.Images {
			if img != nil && img.Fullsize != "" {
				post.Media = append(post.Media, img.Fullsize)
			}
		}
	}
	return post, true
}

// webURL builds the bsky.app link from an at:// post URI.
func webURL(pv *bsky.FeedDefs_PostView) string {
	if pv.Author == nil {
		return ""
	}
	i := strings.LastIndex(pv.Uri, "/")
	if i < 0 || i == len(pv.Uri)-1 {
		return ""
	}
	return fmt.Sprintf("https://bsky.app/profile/%s/post/%s", pv.Author.Handle, pv.Uri[i+1:])
}

func isSuspended(err error) bool {
	return watch.ContainsAny(err, "AccountTakedown", "AccountDeactivated", "suspended")
}

func statusOf(s *string) string {
	if s == nil || *s == "" {
		return "account inactive"
	}
	return *s
}

func asSession(s watch.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.client == nil {
		return nil, watch.ValidationError{Provider: providerName, Reason: fmt.Sprintf("unexpected session type %T", s)}
	}
	return sess, nil
}
