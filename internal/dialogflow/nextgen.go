package dialogflow

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/dfbridge/internal/domain"
)

// nextGenVariant speaks the CX v3 detectIntent protocol with a Bearer header.
type nextGenVariant struct {
	baseURL string
}

type nextGenEvent struct {
	Event string `json:"event"`
}

type nextGenText struct {
	Text string `json:"text"`
}

type nextGenQueryInput struct {
	Event        *nextGenEvent `json:"event,omitempty"`
	Text         *nextGenText  `json:"text,omitempty"`
	LanguageCode string        `json:"languageCode"`
}

type nextGenQueryParams struct {
	TimeZone   string         `json:"timeZone"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type nextGenRequest struct {
	QueryInput  nextGenQueryInput  `json:"queryInput"`
	QueryParams nextGenQueryParams `json:"queryParams"`
}

type nextGenQueryResult struct {
	ResponseMessages []wireMessage  `json:"responseMessages"`
	DiagnosticInfo   map[string]any `json:"diagnosticInfo"`
	Parameters       map[string]any `json:"parameters"`
}

type nextGenResponse struct {
	Session     string              `json:"session"`
	QueryResult *nextGenQueryResult `json:"queryResult"`
	Error       *apiError           `json:"error"`
}

func (v nextGenVariant) endpoint(c *call) string {
	region := c.cfg.AgentRegion
	if region == "" {
		region = domain.DefaultRegion
	}
	host := strings.ReplaceAll(v.baseURL, "{region}", region)
	return fmt.Sprintf("%s/v3/projects/%s/locations/%s/agents/%s/sessions/%s:detectIntent",
		host,
		url.PathEscape(c.cfg.ProjectID),
		url.PathEscape(region),
		url.PathEscape(c.cfg.AgentID),
		url.PathEscape(c.sessionID))
}

func (v nextGenVariant) body(c *call) (any, error) {
	params := map[string]any{
		"username":     c.room.Visitor.Username,
		"roomId":       c.room.ID,
		"visitorToken": c.room.Visitor.Token,
	}
	maps.Copy(params, c.room.Visitor.LivechatData)

	input := nextGenQueryInput{LanguageCode: c.language}
	if c.req.Kind == RequestEvent {
		input.Event = &nextGenEvent{Event: c.req.Event.Name}
		maps.Copy(params, c.req.Event.Parameters)
	} else {
		input.Text = &nextGenText{Text: c.req.Text}
	}

	normalized, err := normalizeParameters(params)
	if err != nil {
		return nil, err
	}

	tz := c.cfg.TimeZone
	if tz == "" {
		tz = domain.DefaultTimeZone
	}
	return nextGenRequest{
		QueryInput:  input,
		QueryParams: nextGenQueryParams{TimeZone: tz, Parameters: normalized},
	}, nil
}

func (nextGenVariant) authorize(r *http.Request, token string) {
	r.Header.Set("Authorization", "Bearer "+token)
}

func (nextGenVariant) parse(status int, data []byte) (*Response, error) {
	var raw nextGenResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode response (status %d): %v", domain.ErrBackend, status, err)
	}
	if raw.QueryResult == nil {
		return nil, backendReportedError(status, raw.Error)
	}
	return parseNextGen(&raw), nil
}

type provenance int

const (
	provenancePage provenance = iota
	provenanceIntent
)

// fragmentSeparator joins same-provenance text fragments.
const fragmentSeparator = "\n \n"

// parseNextGen converts a CX response into a Response. Text fragments are
// grouped by provenance into at most two units appended after all other
// units, intent-sourced first.
func parseNextGen(raw *nextGenResponse) *Response {
	qr := raw.QueryResult
	out := &Response{
		SessionID:  sessionIDFromPath(raw.Session),
		Parameters: qr.Parameters,
	}

	var units []MessageUnit
	var fields *CustomFields
	var intentText, pageText []string
	for _, msg := range qr.ResponseMessages {
		if text := msg.Text.first(); text != "" {
			if classify(text, qr.DiagnosticInfo) == provenanceIntent {
				intentText = append(intentText, text)
			} else {
				pageText = append(pageText, text)
			}
		}
		if msg.Payload == nil {
			continue
		}
		p := msg.Payload
		if unit, ok := quickRepliesUnit(p.QuickReplies); ok {
			units = append(units, unit)
		}
		fields = accumulate(fields, p.CustomFields)
		if p.CustomFields != nil && p.CustomFields.MediaCardURL != "" {
			units = append(units, MessageUnit{CustomFields: &CustomFields{MediaCardURL: p.CustomFields.MediaCardURL}})
		}
		if p.Action != nil && p.Action.Name != "" {
			units = append(units, MessageUnit{Action: p.Action})
		}
		if truthy(p.IsFallback) {
			out.IsFallback = true
		}
	}

	if len(intentText) > 0 {
		units = append(units, MessageUnit{Text: strings.Join(intentText, fragmentSeparator)})
	}
	if len(pageText) > 0 {
		units = append(units, MessageUnit{Text: strings.Join(pageText, fragmentSeparator)})
	}

	out.Messages = attachToLastText(units, fields)
	return out
}

// classify inspects the execution trace to decide whether text came from an
// intent handler prompt. Any unexpected shape yields provenancePage.
func classify(text string, diag map[string]any) provenance {
	seq, ok := diag["Execution Sequence"].([]any)
	if !ok {
		return provenancePage
	}

	var step map[string]any
	switch {
	case len(seq) > 2:
		step = stepAt(seq[2], "Step 3")
	case len(seq) > 1:
		step = stepAt(seq[1], "Step 2")
	}
	if step == nil {
		return provenancePage
	}

	exec, _ := step["FunctionExecution"].(map[string]any)
	responses, _ := exec["Responses"].([]any)
	for _, r := range responses {
		resp, ok := r.(map[string]any)
		if !ok || resp["responseType"] != "HANDLER_PROMPT" {
			continue
		}
		body, _ := resp["text"].(map[string]any)
		lines, _ := body["text"].([]any)
		if len(lines) > 0 && lines[0] == text {
			return provenanceIntent
		}
	}
	return provenancePage
}

func stepAt(entry any, name string) map[string]any {
	m, ok := entry.(map[string]any)
	if !ok {
		return nil
	}
	step, _ := m[name].(map[string]any)
	return step
}
