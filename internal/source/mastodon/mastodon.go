// Package mastodon reads account statuses from a Mastodon server.
package mastodon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	mastodonapi "github.com/mattn/go-mastodon"
	"golang.org/x/net/html"
)

const (
	envServer       = "CAWATCH_MASTODON_SERVER"
	envClientID     = "CAWATCH_MASTODON_CLIENT_ID"
	envClientSecret = "CAWATCH_MASTODON_CLIENT_SECRET"

	providerName   = "mastodon"
	requestTimeout = 30 * time.Second
	windowSize     = 20
)

// Config contains the settings needed to reach a Mastodon server.
type Config struct {
	Server       string
	ClientID     string
	ClientSecret string
}

// Provider implements watch.Provider. Worker accounts log in with the
// password grant (Email/Password) or carry a ready access token (Token).
type Provider struct {
	cfg Config
}

type session struct {
	username string
	client   *mastodonapi.Client
}

func (s *session) Username() string { return s.username }

// New builds the provider, filling empty fields from the environment.
func New(cfg Config) (*Provider, error) {
	cfg, err := loadConfigFromEnv(cfg)
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg}, nil
}

// Name identifies the provider.
func (p *Provider) Name() string { return providerName }

func (p *Provider) client(token string) *mastodonapi.Client {
	c := mastodonapi.NewClient(&mastodonapi.Config{
		Server:       p.cfg.Server,
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		AccessToken:  token,
	})
	c.Timeout = requestTimeout
	return c
}

func (p *Provider) Login(ctx context.Context, acct watch.WorkerAccount) (watch.Session, error) {
	if token := strings.TrimSpace(acct.Credentials.Token); token != "" {
		return &session{username: acct.Username, client: p.client(token)}, nil
	}
	login := acct.Credentials.Email
	if login == "" {
		login = acct.Username
	}
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username,
			Err: watch.MissingEnvError{Provider: providerName, Variables: []string{envClientID, envClientSecret}}}
	}
	c := p.client("")
	if err := c.Authenticate(ctx, login, acct.Credentials.Password); err != nil {
		return nil, watch.AuthError{Provider: providerName, Username: acct.Username, Err: err}
	}
	return &session{username: acct.Username, client: c}, nil
}

func (p *Provider) Resume(_ context.Context, acct watch.WorkerAccount, token string) (watch.Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("empty access token")
	}
	return &session{username: acct.Username, client: p.client(token)}, nil
}

func (p *Provider) Probe(ctx context.Context, s watch.Session) error {
	sess, err := asSession(s)
	if err != nil {
		return err
	}
	if _, err := sess.client.GetAccountCurrentUser(ctx); err != nil {
		if watch.ContainsAny(err, "suspended", "disabled") {
			return watch.SuspensionError{Provider: providerName, Username: sess.username, Reason: err.Error()}
		}
		return classifyErr(err, sess.username)
	}
	return nil
}

func (p *Provider) Token(s watch.Session) (string, error) {
	sess, err := asSession(s)
	if err != nil {
		return "", err
	}
	if sess.client.Config.AccessToken == "" {
		return "", errors.New("no access token issued")
	}
	return sess.client.Config.AccessToken, nil
}

func (p *Provider) ResolveTarget(ctx context.Context, s watch.Session, identifier string) (watch.Handle, error) {
	sess, err := asSession(s)
	if err != nil {
		return watch.Handle{}, err
	}
	acct := strings.TrimPrefix(strings.TrimSpace(identifier), "@")
	account, err := sess.client.AccountLookup(ctx, acct)
	if err != nil {
		switch classify(err) {
		case watch.ClassRateLimit, watch.ClassAuth:
			return watch.Handle{}, classifyErr(err, sess.username)
		}
		return watch.Handle{}, watch.TargetResolutionError{Provider: providerName, Target: acct, Err: err}
	}
	return watch.Handle{ID: string(account.ID), Name: account.Acct}, nil
}

func (p *Provider) FetchLatest(ctx context.Context, s watch.Session, h watch.Handle) (watch.Window, error) {
	sess, err := asSession(s)
	if err != nil {
		return nil, err
	}
	statuses, err := sess.client.GetAccountStatuses(ctx, mastodonapi.ID(h.ID), &mastodonapi.Pagination{Limit: windowSize})
	if err != nil {
		return nil, classifyErr(err, sess.username)
	}
	win := make(watch.Window, 0, len(statuses))
	for _, st := range statuses {
		win = append(win, toPost(st))
	}
	return win, nil
}

func (p *Provider) Classify(err error) watch.Class { return classify(err) }

// classify relies on the status text go-mastodon puts in its errors.
func classify(err error) watch.Class {
	switch {
	case watch.ContainsAny(err, "429", "too many requests"):
		return watch.ClassRateLimit
	case watch.ContainsAny(err, "401", "403", "unauthorized", "forbidden"):
		return watch.ClassAuth
	}
	return watch.ClassOf(err)
}

func classifyErr(err error, username string) error {
	switch classify(err) {
	case watch.ClassRateLimit:
		return watch.RateLimitError{Provider: providerName, Err: err}
	case watch.ClassAuth:
		return watch.AuthError{Provider: providerName, Username: username, Err: err}
	}
	return watch.FetchError{Provider: providerName, Err: err}
}

func toPost(st *mastodonapi.Status) watch.Post {
	post := watch.Post{
		ID:        string(st.ID),
		CreatedAt: st.CreatedAt,
		URL:       st.URL,
	}
	content := st
	if st.Reblog != nil {
		post.IsReshare = true
		content = st.Reblog
	}
	post.Text = htmlToText(content.Content)
	for _, a := range content.MediaAttachments {
		if a.Type != "image" {
			continue
		}
		if a.URL != "" {
			post.Media = append(post.Media, a.URL)
		} else if a.PreviewURL != "" {
			post.Media = append(post.Media, a.PreviewURL)
		}
	}
	return post
}

// htmlToText flattens status HTML, turning paragraphs and line breaks into
// newlines.
func htmlToText(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); string(name) == "p" {
				b.WriteByte('\n')
			}
		}
	}
}

func asSession(s watch.Session) (*session, error) {
	sess, ok := s.(*session)
	if !ok || sess == nil || sess.client == nil {
		return nil, watch.ValidationError{Provider: providerName, Reason: fmt.Sprintf("unexpected session type %T", s)}
	}
	return sess, nil
}

func loadConfigFromEnv(base Config) (Config, error) {
	cfg := Config{
		Server:       strings.TrimSpace(base.Server),
		ClientID:     strings.TrimSpace(base.ClientID),
		ClientSecret: strings.TrimSpace(base.ClientSecret),
	}
	if cfg.Server == "" {
		cfg.Server = strings.TrimSpace(os.Getenv(envServer))
	}
	if cfg.ClientID == "" {
		cfg.ClientID = strings.TrimSpace(os.Getenv(envClientID))
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = strings.TrimSpace(os.Getenv(envClientSecret))
	}

	if cfg.Server == "" {
		return Config{}, watch.MissingEnvError{Provider: providerName, Variables: []string{envServer}}
	}
	return cfg, nil
}
