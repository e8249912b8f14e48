// Package dialogflow implements the detect-intent client for legacy (ES v2)
// and next-gen (CX v3) Dialogflow agents.
package dialogflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultLegacyBaseURL is the ES v2 API host.
	DefaultLegacyBaseURL = "https://dialogflow.googleapis.com"
	// DefaultNextGenBaseURL is the CX v3 API host; {region} is substituted per agent.
	DefaultNextGenBaseURL = "https://{region}-dialogflow.googleapis.com"
	// DefaultTimeout bounds one detect-intent round trip.
	DefaultTimeout = 35 * time.Second

	maxResponseBytes = 10 << 20
)

// Backend sends detect-intent requests on behalf of a session.
type Backend interface {
	Send(ctx context.Context, sessionID string, req Request) (*Response, error)
}

// RoomReader loads the room a session belongs to.
type RoomReader interface {
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
}

// ConfigResolver resolves the agent configuration in effect for a room.
type ConfigResolver interface {
	AgentConfig(ctx context.Context, room *domain.Room) (*domain.AgentConfig, error)
}

// TokenSource yields a bearer token for the agent serving a room.
type TokenSource interface {
	Token(ctx context.Context, roomID string, cfg *domain.AgentConfig) (string, error)
}

// LanguageReader returns the per-session language override, or "".
type LanguageReader interface {
	Language(ctx context.Context, roomID string) (string, error)
}

// Options tunes a Client.
type Options struct {
	HTTPClient     *http.Client
	LegacyBaseURL  string
	NextGenBaseURL string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Client is the Backend implementation over the Dialogflow REST API.
type Client struct {
	rooms      RoomReader
	configs    ConfigResolver
	tokens     TokenSource
	languages  LanguageReader
	httpClient *http.Client
	legacy     variant
	nextGen    variant
	timeout    time.Duration
	logger     *slog.Logger
}

// Ensure Client implements Backend.
var _ Backend = (*Client)(nil)

// NewClient creates a detect-intent client.
func NewClient(rooms RoomReader, configs ConfigResolver, tokens TokenSource, languages LanguageReader, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.LegacyBaseURL == "" {
		opts.LegacyBaseURL = DefaultLegacyBaseURL
	}
	if opts.NextGenBaseURL == "" {
		opts.NextGenBaseURL = DefaultNextGenBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		rooms:      rooms,
		configs:    configs,
		tokens:     tokens,
		languages:  languages,
		httpClient: opts.HTTPClient,
		legacy:     legacyVariant{baseURL: opts.LegacyBaseURL},
		nextGen:    nextGenVariant{baseURL: opts.NextGenBaseURL},
		timeout:    opts.Timeout,
		logger:     opts.Logger,
	}
}

// call gathers everything a variant needs to build one request.
type call struct {
	sessionID string
	room      *domain.Room
	cfg       *domain.AgentConfig
	language  string
	token     string
	req       Request
}

// variant is one wire protocol.
type variant interface {
	endpoint(c *call) string
	body(c *call) (any, error)
	authorize(r *http.Request, token string)
	parse(status int, data []byte) (*Response, error)
}

// Send performs one detect-intent call. It never returns a partial result.
func (c *Client) Send(ctx context.Context, sessionID string, req Request) (*Response, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSession
	}
	if req.Kind == RequestEvent && (req.Event == nil || req.Event.Name == "") {
		return nil, fmt.Errorf("%w: event name is empty", domain.ErrBackend)
	}

	room, err := c.rooms.GetRoom(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: load room: %w", domain.ErrBackend, err)
	}
	if room == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidRoom, sessionID)
	}

	cfg, err := c.configs.AgentConfig(ctx, room)
	if err != nil {
		return nil, err
	}

	token, err := c.tokens.Token(ctx, sessionID, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrBackend, err)
	}

	v := c.variantFor(cfg)
	cl := &call{
		sessionID: sessionID,
		room:      room,
		cfg:       cfg,
		language:  c.resolveLanguage(ctx, sessionID, cfg),
		token:     token,
		req:       req,
	}

	body, err := v.body(cl)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", domain.ErrBackend, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, v.endpoint(cl), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrBackend, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	v.authorize(httpReq, token)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("Detect intent request failed", "room_id", sessionID, "request", req.String(), "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrBackend, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrBackend, err)
	}

	parsed, err := v.parse(resp.StatusCode, data)
	if err != nil {
		c.logger.Error("Detect intent returned an error", "room_id", sessionID, "status", resp.StatusCode, "error", err)
		return nil, err
	}

	c.logger.Debug("Detect intent completed",
		"room_id", sessionID,
		"request", req.String(),
		"next_gen", cfg.IsNextGen(),
		"fallback", parsed.IsFallback,
		"messages", len(parsed.Messages),
		"duration", time.Since(start))
	return parsed, nil
}

func (c *Client) variantFor(cfg *domain.AgentConfig) variant {
	if cfg.IsNextGen() {
		return c.nextGen
	}
	return c.legacy
}

// resolveLanguage applies override > agent default > "en".
func (c *Client) resolveLanguage(ctx context.Context, sessionID string, cfg *domain.AgentConfig) string {
	if c.languages != nil {
		override, err := c.languages.Language(ctx, sessionID)
		if err != nil {
			c.logger.Warn("Failed to read language override", "room_id", sessionID, "error", err)
		} else if override != "" {
			return override
		}
	}
	if cfg.DefaultLanguage != "" {
		return cfg.DefaultLanguage
	}
	return domain.DefaultLanguage
}

// normalizeParameters coerces parameters into google.protobuf.Struct-compatible values.
func normalizeParameters(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	s, err := structpb.NewStruct(params)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid parameters: %v", domain.ErrBackend, err)
	}
	return s.AsMap(), nil
}

// apiError is the error object Google APIs return.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func backendReportedError(status int, e *apiError) error {
	if e == nil || e.Message == "" {
		return fmt.Errorf("%w: response has no queryResult (status %d)", domain.ErrBackend, status)
	}
	return fmt.Errorf("%w: %s (status %s)", domain.ErrBackend, e.Message, e.Status)
}
