// Package ocr turns post images into text through an OCR.space compatible
// HTTP API.
package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

const (
	providerName     = "ocr"
	defaultEndpoint  = "https://api.ocr.space/parse/image"
	requestTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
)

// Reader extracts text from an image.
type Reader interface {
	Read(ctx context.Context, imageURL string) (string, error)
}

// Nop never finds text. It is used when OCR is not configured.
type Nop struct{}

func (Nop) Read(context.Context, string) (string, error) { return "", nil }

// Config configures the HTTP client.
type Config struct {
	APIKey     string
	Endpoint   string
	Language   string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
}

// Client calls the OCR API with retries on transport errors and 5xx/429.
type Client struct {
	cfg      Config
	http     *http.Client
	executor failsafe.Executor[*http.Response]
}

type parseResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool `json:"IsErroredOnProcessing"`
	ErrorMessage          any  `json:"ErrorMessage"`
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// New builds a Client. An empty APIKey is a MissingEnvError.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, watch.MissingEnvError{Provider: providerName, Variables: []string{"CAWATCH_OCR_API_KEY"}}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 5 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		HandleIf(func(_ *http.Response, err error) bool {
			var status statusError
			if errors.As(err, &status) {
				return status.retryable()
			}
			return err != nil && !errors.Is(err, context.Canceled)
		}).
		Build()

	return &Client{cfg: cfg, http: httpClient, executor: failsafe.With(retry)}, nil
}

// FromEnv builds a Client from CAWATCH_OCR_API_KEY and CAWATCH_OCR_ENDPOINT.
func FromEnv() (*Client, error) {
	return New(Config{
		APIKey:   os.Getenv("CAWATCH_OCR_API_KEY"),
		Endpoint: os.Getenv("CAWATCH_OCR_ENDPOINT"),
	})
}

// Read submits imageURL to the OCR API and returns the concatenated text of
// every parsed region.
func (c *Client) Read(ctx context.Context, imageURL string) (string, error) {
	form := url.Values{}
	form.Set("apikey", c.cfg.APIKey)
	form.Set("url", imageURL)
	form.Set("language", c.cfg.Language)

	resp, err := c.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		return resp, nil
	})
	if err != nil {
		return "", fmt.Errorf("ocr request for %s: %w", imageURL, err)
	}
	defer resp.Body.Close()

	var parsed parseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding ocr response: %w", err)
	}
	if parsed.IsErroredOnProcessing {
		return "", fmt.Errorf("ocr failed for %s: %v", imageURL, parsed.ErrorMessage)
	}

	parts := make([]string, 0, len(parsed.ParsedResults))
	for _, r := range parsed.ParsedResults {
		if t := strings.TrimSpace(r.ParsedText); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), nil
}
