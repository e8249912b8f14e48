package dialogflow

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/ashureev/dfbridge/internal/domain"
)

// legacyVariant speaks the ES v2 detectIntent protocol. The token travels
// as a query parameter.
type legacyVariant struct {
	baseURL string
}

type legacyText struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
}

type legacyQueryInput struct {
	Event *Event      `json:"event,omitempty"`
	Text  *legacyText `json:"text,omitempty"`
}

type legacyRequest struct {
	QueryInput legacyQueryInput `json:"queryInput"`
}

type legacyQueryResult struct {
	FulfillmentMessages []wireMessage `json:"fulfillmentMessages"`
	Intent              *struct {
		IsFallback bool `json:"isFallback"`
	} `json:"intent"`
}

type legacyResponse struct {
	Session     string             `json:"session"`
	QueryResult *legacyQueryResult `json:"queryResult"`
	Error       *apiError          `json:"error"`
}

func (v legacyVariant) endpoint(c *call) string {
	env := c.cfg.EnvironmentID
	if env == "" {
		env = domain.DefaultEnvironment
	}
	return fmt.Sprintf("%s/v2/projects/%s/agent/environments/%s/users/-/sessions/%s:detectIntent?%s",
		v.baseURL,
		url.PathEscape(c.cfg.ProjectID),
		url.PathEscape(env),
		url.PathEscape(c.sessionID),
		url.Values{"access_token": {c.token}}.Encode())
}

func (v legacyVariant) body(c *call) (any, error) {
	if c.req.Kind == RequestEvent {
		params, err := normalizeParameters(c.req.Event.Parameters)
		if err != nil {
			return nil, err
		}
		lang := c.req.Event.LanguageCode
		if lang == "" {
			lang = c.language
		}
		return legacyRequest{QueryInput: legacyQueryInput{
			Event: &Event{Name: c.req.Event.Name, LanguageCode: lang, Parameters: params},
		}}, nil
	}
	return legacyRequest{QueryInput: legacyQueryInput{
		Text: &legacyText{Text: c.req.Text, LanguageCode: c.language},
	}}, nil
}

func (legacyVariant) authorize(*http.Request, string) {}

func (legacyVariant) parse(status int, data []byte) (*Response, error) {
	var raw legacyResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response (status %d): %v", domain.ErrBackend, status, err)
	}
	if raw.QueryResult == nil {
		return nil, backendReportedError(status, raw.Error)
	}
	return parseLegacy(&raw), nil
}

// parseLegacy converts an ES response into a Response. Custom fields from all
// messages are folded together and attached to the final unit.
func parseLegacy(raw *legacyResponse) *Response {
	out := &Response{SessionID: sessionIDFromPath(raw.Session)}
	if raw.QueryResult.Intent != nil {
		out.IsFallback = raw.QueryResult.Intent.IsFallback
	}

	var units []MessageUnit
	var fields *CustomFields
	for _, msg := range raw.QueryResult.FulfillmentMessages {
		if text := msg.Text.first(); text != "" {
			units = append(units, MessageUnit{Text: text})
		}
		if msg.Payload == nil {
			continue
		}
		if unit, ok := quickRepliesUnit(msg.Payload.QuickReplies); ok {
			units = append(units, unit)
		}
		fields = accumulate(fields, msg.Payload.CustomFields)
		if msg.Payload.Action != nil && msg.Payload.Action.Name != "" {
			units = append(units, MessageUnit{Action: msg.Payload.Action})
		}
	}

	out.Messages = attachToLast(units, fields)
	return out
}
