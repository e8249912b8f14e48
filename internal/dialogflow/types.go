package dialogflow

import (
	"strings"
)

// RequestKind distinguishes text detection from event detection.
type RequestKind int

const (
	RequestText RequestKind = iota
	RequestEvent
)

// Event is a named backend event with optional parameters.
type Event struct {
	Name         string         `json:"name"`
	LanguageCode string         `json:"languageCode,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Request is one detect-intent call.
type Request struct {
	Kind  RequestKind
	Text  string
	Event *Event
}

// TextRequest builds a text detection request.
func TextRequest(text string) Request {
	return Request{Kind: RequestText, Text: text}
}

// EventRequest builds an event detection request.
func EventRequest(name string, params map[string]any) Request {
	return Request{Kind: RequestEvent, Event: &Event{Name: name, Parameters: params}}
}

// String is used for logging only.
func (r Request) String() string {
	if r.Kind == RequestEvent && r.Event != nil {
		return "event:" + r.Event.Name
	}
	return "text"
}

// OptionData carries extra routing data attached to a quick reply.
type OptionData struct {
	DepartmentName string `json:"departmentName,omitempty"`
}

// QuickReplyOption is one button offered to the visitor.
type QuickReplyOption struct {
	Text        string      `json:"text"`
	ActionID    string      `json:"actionId,omitempty"`
	ButtonStyle string      `json:"buttonStyle,omitempty"`
	Data        *OptionData `json:"data,omitempty"`
}

// ImageCard is an image with optional title, subtitle and buttons.
type ImageCard struct {
	ImageURL string             `json:"image_url"`
	Title    string             `json:"title,omitempty"`
	Subtitle string             `json:"subtitle,omitempty"`
	Buttons  []QuickReplyOption `json:"buttons,omitempty"`
}

// Action is a custom payload action requested by the backend.
type Action struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// CustomFields are rendering hints for the visitor widget.
type CustomFields struct {
	DisableInput        bool   `json:"disableInput,omitempty"`
	DisableInputMessage string `json:"disableInputMessage,omitempty"`
	DisplayTyping       bool   `json:"displayTyping,omitempty"`
	MediaCardURL        string `json:"mediaCardURL,omitempty"`
}

// MessageUnit is one element of a normalized response. It is a text span,
// a quick-replies unit, an action unit, or a bare custom-fields unit.
type MessageUnit struct {
	Text         string             `json:"text,omitempty"`
	Options      []QuickReplyOption `json:"options,omitempty"`
	ImageCards   []ImageCard        `json:"imagecards,omitempty"`
	Action       *Action            `json:"action,omitempty"`
	CustomFields *CustomFields      `json:"customFields,omitempty"`
}

// IsText reports whether the unit carries text.
func (u MessageUnit) IsText() bool {
	return strings.TrimSpace(u.Text) != ""
}

// IsRenderable reports whether the unit produces a chat message.
func (u MessageUnit) IsRenderable() bool {
	return u.Action == nil && (u.IsText() || len(u.Options) > 0 || len(u.ImageCards) > 0 || u.CustomFields != nil)
}

// Response is the variant-independent result of a detect-intent call.
type Response struct {
	IsFallback bool
	Messages   []MessageUnit
	SessionID  string
	Parameters map[string]any
}

// LanguageParameter is the response parameter that switches the session language.
const LanguageParameter = "custom_languagecode"

// LanguageCode returns the language requested through response parameters, or "".
func (r *Response) LanguageCode() string {
	if r == nil || r.Parameters == nil {
		return ""
	}
	code, _ := r.Parameters[LanguageParameter].(string)
	return strings.TrimSpace(code)
}

// sessionIDFromPath returns the final segment of a slash-delimited resource path.
func sessionIDFromPath(path string) string {
	if path == "" {
		return ""
	}
	parts := strings.Split(path, "/")
	return parts[len(parts)-1]
}
