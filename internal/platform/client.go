// Package platform talks to the livechat platform's REST bridge: room and
// visitor lookups, message delivery and livechat routing.
package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 4 << 20
)

// ErrNotFound is returned by mutations that target a missing resource.
var ErrNotFound = errors.New("platform resource not found")

// Client is an HTTP+JSON client for the platform bridge.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient creates a platform client for baseURL authenticated by token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx platform reply.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return nil
}

// lookup is do for reads where a 404 means "absent".
func (c *Client) lookup(ctx context.Context, path string, out any) (bool, error) {
	err := c.do(ctx, http.MethodGet, path, nil, out)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func escape(s string) string {
	return url.PathEscape(s)
}

// GetRoom returns the room, or nil when it does not exist.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	var room domain.Room
	found, err := c.lookup(ctx, "/rooms/"+escape(roomID), &room)
	if err != nil || !found {
		return nil, err
	}
	return &room, nil
}

// GetVisitorByToken returns the visitor, or nil when it does not exist.
func (c *Client) GetVisitorByToken(ctx context.Context, token string) (*domain.Visitor, error) {
	var visitor domain.Visitor
	found, err := c.lookup(ctx, "/visitors/"+escape(token), &visitor)
	if err != nil || !found {
		return nil, err
	}
	return &visitor, nil
}

// UpdateRoomCustomFields merges fields into the room's custom fields.
func (c *Client) UpdateRoomCustomFields(ctx context.Context, roomID string, fields map[string]any) error {
	return c.do(ctx, http.MethodPatch, "/rooms/"+escape(roomID)+"/custom-fields", fields, nil)
}

type messageCreated struct {
	ID string `json:"id"`
}

// SendMessage posts a bot message into a room and returns its id.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg domain.OutboundMessage) (string, error) {
	var created messageCreated
	if err := c.do(ctx, http.MethodPost, "/rooms/"+escape(roomID)+"/messages", msg, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

type visitorMessage struct {
	VisitorToken string `json:"visitorToken"`
	Text         string `json:"text"`
}

// SendVisitorMessage posts text into a room on behalf of the visitor.
func (c *Client) SendVisitorMessage(ctx context.Context, roomID, visitorToken, text string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+escape(roomID)+"/visitor-messages",
		visitorMessage{VisitorToken: visitorToken, Text: text}, nil)
}

// Department returns a department by name or id, or nil when it does not exist.
func (c *Client) Department(ctx context.Context, nameOrID string) (*domain.Department, error) {
	var dept domain.Department
	found, err := c.lookup(ctx, "/departments/"+escape(nameOrID), &dept)
	if err != nil || !found {
		return nil, err
	}
	return &dept, nil
}

type onlineStatus struct {
	Online bool `json:"online"`
}

// IsOnline reports whether a department has an available agent.
func (c *Client) IsOnline(ctx context.Context, departmentID string) (bool, error) {
	var status onlineStatus
	found, err := c.lookup(ctx, "/departments/"+escape(departmentID)+"/online", &status)
	if err != nil || !found {
		return false, err
	}
	return status.Online, nil
}

type transferRequest struct {
	DepartmentID string `json:"departmentId"`
}

// Transfer routes a room to a department.
func (c *Client) Transfer(ctx context.Context, roomID, departmentID string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+escape(roomID)+"/transfer",
		transferRequest{DepartmentID: departmentID}, nil)
}

type closeRequest struct {
	Comment string `json:"comment,omitempty"`
}

// CloseRoom closes a livechat room with a closing comment.
func (c *Client) CloseRoom(ctx context.Context, roomID, comment string) error {
	return c.do(ctx, http.MethodPost, "/rooms/"+escape(roomID)+"/close", closeRequest{Comment: comment}, nil)
}

// RemoveActionBlocks strips button blocks from a posted message.
func (c *Client) RemoveActionBlocks(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/messages/"+escape(messageID)+"/action-blocks", nil, nil)
}
