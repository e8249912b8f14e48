// Package credentials signs service-account JWTs, exchanges them for bearer
// tokens and caches the tokens on the room they were issued for.
package credentials

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultTokenURL is the OAuth2 endpoint accepting jwt-bearer grants.
	DefaultTokenURL = "https://www.googleapis.com/oauth2/v4/token"
	// Scope requested for Dialogflow access.
	Scope = "https://www.googleapis.com/auth/dialogflow"
	// TokenLifetime is used both for the JWT exp claim and the cached expiration.
	TokenLifetime = 30 * time.Minute

	grantType        = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	maxResponseBytes = 1 << 20
)

// RoomFields reads and patches room custom fields, the token's home.
type RoomFields interface {
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	UpdateRoomCustomFields(ctx context.Context, roomID string, fields map[string]any) error
}

// Options tunes a Cache.
type Options struct {
	TokenURL   string
	HTTPClient *http.Client
	Timeout    time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Cache hands out bearer tokens, regenerating them lazily on expiry.
type Cache struct {
	rooms      RoomFields
	tokenURL   string
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu          sync.RWMutex
	invalidated time.Time
}

// NewCache creates a token cache backed by room custom fields.
func NewCache(rooms RoomFields, opts Options) *Cache {
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		rooms:      rooms,
		tokenURL:   opts.TokenURL,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		now:        opts.Now,
		logger:     opts.Logger,
	}
}

// Token returns a valid bearer token for the room, generating and storing a
// new one when the cached token is absent, expired or predates Invalidate.
func (c *Cache) Token(ctx context.Context, roomID string, cfg *domain.AgentConfig) (string, error) {
	if cfg == nil || cfg.ClientEmail == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return "", fmt.Errorf("%w: client_email or private_key missing", domain.ErrConfig)
	}

	room, err := c.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return "", fmt.Errorf("load room %s: %w", roomID, err)
	}
	if room == nil {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidRoom, roomID)
	}

	if cached := decodeToken(room.CustomFields[domain.FieldAccessToken]); c.usable(cached) {
		return cached.Token, nil
	}

	token, err := c.Generate(ctx, cfg.ClientEmail, cfg.PrivateKey)
	if err != nil {
		return "", err
	}

	if err := c.rooms.UpdateRoomCustomFields(ctx, roomID, map[string]any{domain.FieldAccessToken: token}); err != nil {
		// The token is still good for this call; the next one regenerates it.
		c.logger.Warn("Failed to cache access token on room", "room_id", roomID, "error", err)
	}
	return token.Token, nil
}

// Generate signs a JWT for the service account and exchanges it for a token.
// Nothing is cached.
func (c *Cache) Generate(ctx context.Context, clientEmail, privateKey string) (*domain.AccessToken, error) {
	issuedAt := c.now()
	assertion, err := SignJWT(clientEmail, privateKey, c.tokenURL, issuedAt)
	if err != nil {
		return nil, err
	}

	bearer, err := c.exchange(ctx, assertion)
	if err != nil {
		return nil, err
	}

	expiration := issuedAt.Add(TokenLifetime)
	c.logger.Debug("Generated access token", "client_email", clientEmail, "expires_at", expiration)
	return &domain.AccessToken{Token: bearer, Expiration: &expiration, IssuedAt: issuedAt}, nil
}

// Invalidate makes every token issued before now count as expired.
// Called when agent credentials are reloaded.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = c.now()
}

func (c *Cache) usable(t *domain.AccessToken) bool {
	if t.HasExpired(c.now()) {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.invalidated.IsZero() || !t.IssuedAt.Before(c.invalidated)
}

// SignJWT builds an RS256 assertion for the jwt-bearer grant. Literal "\n"
// sequences in the key are turned into newlines before parsing.
func SignJWT(clientEmail, privateKey, audience string, issuedAt time.Time) (string, error) {
	pem := strings.ReplaceAll(strings.TrimSpace(privateKey), `\n`, "\n")
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
	if err != nil {
		return "", fmt.Errorf("%w: parse private key: %v", domain.ErrConfig, err)
	}

	claims := jwt.MapClaims{
		"iss":   clientEmail,
		"scope": Scope,
		"aud":   audience,
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(TokenLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("%w: sign assertion: %v", domain.ErrAuth, err)
	}
	return signed, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Cache) exchange(ctx context.Context, assertion string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{
		"grant_type": {grantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("%w: build token request: %v", domain.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", domain.ErrAuth, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read token response: %v", domain.ErrAuth, err)
	}

	var out tokenResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode token response (status %d): %v", domain.ErrAuth, resp.StatusCode, err)
	}
	if out.Error != "" || out.ErrorDescription != "" {
		return "", fmt.Errorf("%w: %s: %s", domain.ErrAuth, out.Error, out.ErrorDescription)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: token endpoint returned status %d", domain.ErrAuth, resp.StatusCode)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", domain.ErrAuth)
	}
	return out.AccessToken, nil
}

// decodeToken reads a cached token from a custom-field value. The platform
// hands fields back as generic JSON, so the value is round-tripped.
func decodeToken(v any) *domain.AccessToken {
	switch t := v.(type) {
	case nil:
		return nil
	case *domain.AccessToken:
		return t
	case domain.AccessToken:
		return &t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var token domain.AccessToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil
	}
	return &token
}
