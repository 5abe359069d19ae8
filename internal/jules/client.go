package jules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ole-vi/prompt-sharing-sub002/internal/version"
)

// DefaultBaseURL is the Jules API root
const DefaultBaseURL = "https://jules.googleapis.com/v1alpha"

const (
	apiKeyHeader = "X-Goog-Api-Key"
	maxErrorBody = 2048
)

var (
	ErrUnreachable       = errors.New("failed to reach Jules API")
	ErrMalformedResponse = errors.New("Jules did not return a session URL")
)

// ProviderError reports a non-2xx or unparsable response from Jules
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("Jules API error: %d - %s", e.StatusCode, e.Body)
}

// GithubRepoContext selects the branch a session starts from
type GithubRepoContext struct {
	StartingBranch string `json:"startingBranch"`
}

// SourceContext points a session at a repository
type SourceContext struct {
	Source            string            `json:"source"`
	GithubRepoContext GithubRepoContext `json:"githubRepoContext"`
}

// SessionRequest is the body of a create-session call
type SessionRequest struct {
	Title         string        `json:"title"`
	Prompt        string        `json:"prompt"`
	SourceContext SourceContext `json:"sourceContext"`
}

// NewSessionRequest builds a request for prompt against sourceID at branch
func NewSessionRequest(title, prompt, sourceID, branch string) SessionRequest {
	return SessionRequest{
		Title:  title,
		Prompt: prompt,
		SourceContext: SourceContext{
			Source:            sourceID,
			GithubRepoContext: GithubRepoContext{StartingBranch: branch},
		},
	}
}

// Session is the subset of the create-session response we rely on
type Session struct {
	URL string `json:"url"`
}

// KeyStatus is the result of a key validation call
type KeyStatus struct {
	OK         bool `json:"ok"`
	StatusCode int  `json:"statusCode"`
}

// Client talks to the Jules session API. It never retries.
type Client struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithRateLimit bounds outgoing requests per second
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// NewClient creates a Jules client rooted at baseURL
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateSession starts a Jules session and returns its URL
func (c *Client) CreateSession(ctx context.Context, apiKey string, body SessionRequest) (*Session, error) {
	ctx, span := otel.Tracer("jules-client").Start(ctx, "jules.CreateSession")
	defer span.End()
	span.SetAttributes(attribute.String("jules.source", body.SourceContext.Source))

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sessions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: truncate(string(raw))}
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: "unparsable response: " + truncate(string(raw))}
	}
	if session.URL == "" {
		return nil, ErrMalformedResponse
	}
	return &session, nil
}

// ValidateKey probes the API with apiKey. Non-2xx responses are reported via
// KeyStatus.OK; only transport failures return an error.
func (c *Client) ValidateKey(ctx context.Context, apiKey string) (KeyStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sessions", nil)
	if err != nil {
		return KeyStatus{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(apiKeyHeader, apiKey)

	resp, err := c.do(ctx, req)
	if err != nil {
		return KeyStatus{}, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return KeyStatus{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}, nil
}

func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return resp, nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
