package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	// DefaultGatewayBaseURL is used when no base URL is configured.
	DefaultGatewayBaseURL = "http://127.0.0.1:8800/v1/"
	// DefaultGatewayTimeout bounds each gateway request.
	DefaultGatewayTimeout = 120 * time.Second

	maxGatewayBodyBytes = 64 << 20
)

// DefaultGatewayPaths maps each modality to its endpoint, relative to the base URL.
var DefaultGatewayPaths = map[Modality]string{
	ModalityChat:   "chat/completions",
	ModalityImage:  "images/generations",
	ModalitySpeech: "audio/speech",
	ModalityMusic:  "music/generations",
}

// OpenAIGatewayConfig holds configuration for OpenAIGateway.
type OpenAIGatewayConfig struct {
	// BaseURL is the gateway root, e.g. "http://127.0.0.1:8800/v1/".
	BaseURL string
	// BearerToken is sent as "Authorization: Bearer <token>" to the gateway host.
	BearerToken string
	// Timeout bounds every request including secondary fetches. Zero means DefaultGatewayTimeout.
	Timeout time.Duration
	// Paths overrides DefaultGatewayPaths per modality.
	Paths map[Modality]string
	// Options are passed to the underlying openai-go client.
	Options []option.RequestOption
}

// OpenAIGateway talks to an OpenAI-compatible gateway through the openai-go client.
// Responses are returned raw so that text, JSON and binary bodies can be
// classified by the ResponseResolver. Requests are never retried.
type OpenAIGateway struct {
	client  *openai.Client
	baseURL *url.URL
	paths   map[Modality]string
	timeout time.Duration
}

// NewOpenAIGateway creates a gateway client.
//
// Example usage:
//
//	gateway, err := NewOpenAIGateway(OpenAIGatewayConfig{
//	    BaseURL:     "http://127.0.0.1:8800/v1/",
//	    BearerToken: "secret",
//	    Timeout:     2 * time.Minute,
//	})
func NewOpenAIGateway(cfg OpenAIGatewayConfig) (*OpenAIGateway, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGatewayBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway base URL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("gateway base URL %q is not absolute", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGatewayTimeout
	}

	paths := make(map[Modality]string, len(DefaultGatewayPaths))
	for modality, path := range DefaultGatewayPaths {
		paths[modality] = path
	}
	for modality, path := range cfg.Paths {
		if path != "" {
			paths[modality] = strings.TrimLeft(path, "/")
		}
	}

	opts := []option.RequestOption{
		option.WithBaseURL(baseURL.String()),
		option.WithAPIKey(cfg.BearerToken),
		option.WithMaxRetries(0),
	}
	opts = append(opts, cfg.Options...)

	return &OpenAIGateway{
		client:  openai.NewClient(opts...),
		baseURL: baseURL,
		paths:   paths,
		timeout: cfg.Timeout,
	}, nil
}

// Send posts req.Payload as JSON to the endpoint of req.Modality.
func (g *OpenAIGateway) Send(ctx context.Context, req GatewayRequest) (*GatewayResponse, error) {
	op := string(req.Modality)
	path, ok := g.paths[req.Modality]
	if !ok {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("no endpoint for modality %q", req.Modality)}
	}

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("encode payload: %w", err)}
	}

	accept := "application/json"
	if req.Modality != ModalityChat {
		accept = "*/*"
	}
	opts := append(g.requestOptions(ctx),
		option.WithHeader("Content-Type", "application/json"),
		option.WithHeader("Accept", accept),
	)

	return g.do(ctx, op, func(ctx context.Context, raw **http.Response) error {
		return g.client.Post(ctx, path, body, raw, opts...)
	})
}

// Fetch downloads a resource referenced by a gateway response. Relative URLs
// resolve against the gateway base; the bearer token is only sent to the
// gateway's own host.
func (g *OpenAIGateway) Fetch(ctx context.Context, rawURL string) (*GatewayResponse, error) {
	const op = "fetch"

	ref, err := url.Parse(rawURL)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("parse media URL: %w", err)}
	}
	target := g.baseURL.ResolveReference(ref)

	opts := append(g.requestOptions(ctx), option.WithHeader("Accept", "*/*"))
	if !strings.EqualFold(target.Host, g.baseURL.Host) {
		opts = append(opts, option.WithHeaderDel("Authorization"))
	}

	return g.do(ctx, op, func(ctx context.Context, raw **http.Response) error {
		return g.client.Get(ctx, target.String(), nil, raw, opts...)
	})
}

func (g *OpenAIGateway) requestOptions(ctx context.Context) []option.RequestOption {
	var opts []option.RequestOption
	if id := RequestIDFromContext(ctx); id != "" {
		opts = append(opts, option.WithHeader("X-Request-ID", id))
	}
	return opts
}

// do runs call under the gateway timeout and reads the whole body before the
// timeout context is released.
func (g *OpenAIGateway) do(ctx context.Context, op string, call func(context.Context, **http.Response) error) (*GatewayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var raw *http.Response
	if err := call(ctx, &raw); err != nil {
		return nil, newGatewayError(op, err)
	}
	if raw == nil {
		return nil, &GatewayError{Op: op, Err: errors.New("empty response")}
	}
	defer raw.Body.Close()

	body, err := io.ReadAll(io.LimitReader(raw.Body, maxGatewayBodyBytes))
	if err != nil {
		return nil, &GatewayError{Op: op, StatusCode: raw.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	return &GatewayResponse{
		StatusCode: raw.StatusCode,
		Header:     raw.Header.Clone(),
		Body:       body,
	}, nil
}

func newGatewayError(op string, err error) *GatewayError {
	gatewayErr := &GatewayError{Op: op, Err: err}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		gatewayErr.StatusCode = apiErr.StatusCode
	}
	return gatewayErr
}
