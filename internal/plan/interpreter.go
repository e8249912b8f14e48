package plan

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
)

// FallbackCounter tracks consecutive no-match responses per room.
type FallbackCounter interface {
	IncrementFallback(ctx context.Context, roomID string) (int, error)
	ResetFallback(ctx context.Context, roomID string) error
}

// Interpreter builds plans. It never fails: malformed action units are
// logged and skipped.
type Interpreter struct {
	fallbacks FallbackCounter
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(fallbacks FallbackCounter) *Interpreter {
	return &Interpreter{fallbacks: fallbacks}
}

// Interpret builds the plan for resp. Message units come first in their
// original order, then action units in order, then a language change
// requested through response parameters.
//
// When cfg sets a fallback limit, a fallback response bumps the room's
// counter; reaching the limit replaces the plan with a single forced
// handover announcing the response text. A non-fallback response resets it.
func (in *Interpreter) Interpret(ctx context.Context, roomID string, resp *dialogflow.Response, cfg *domain.AgentConfig) Plan {
	if resp == nil {
		return Plan{}
	}
	p := Plan{Fallback: resp.IsFallback}

	limit := 0
	if cfg != nil {
		limit = cfg.FallbackResponsesLimit
	}

	if limit > 0 {
		if resp.IsFallback {
			count, err := in.fallbacks.IncrementFallback(ctx, roomID)
			if err != nil {
				slog.Error("Failed to count fallback response", "room_id", roomID, "error", err)
			} else if count == limit {
				slog.Info("Fallback limit reached, handing over", "room_id", roomID, "count", count)
				p.Steps = []Step{{
					Kind: KindHandover,
					Handover: HandoverRequest{
						Announcement: joinText(resp.Messages),
						Messages:     renderable(resp.Messages),
						Forced:       true,
					},
				}}
				return p
			}
		} else if err := in.fallbacks.ResetFallback(ctx, roomID); err != nil {
			slog.Error("Failed to reset fallback counter", "room_id", roomID, "error", err)
		}
	}

	for _, unit := range resp.Messages {
		switch {
		case unit.IsRenderable():
			p.Steps = append(p.Steps, Step{Kind: KindMessage, Message: unit})
		case unit.Action != nil && unit.CustomFields != nil:
			// Widget hints riding on an action unit still reach the visitor.
			p.Steps = append(p.Steps, Step{Kind: KindMessage, Message: dialogflow.MessageUnit{CustomFields: unit.CustomFields}})
		}
	}

	// Actions of a fallback response are not acted upon.
	if !resp.IsFallback {
		for _, unit := range resp.Messages {
			if unit.Action == nil {
				continue
			}
			step, ok := actionStep(roomID, unit.Action)
			if ok {
				p.Steps = append(p.Steps, step)
			}
		}
	}

	if code := resp.LanguageCode(); code != "" {
		p.Steps = append(p.Steps, Step{Kind: KindChangeLanguage, Language: code})
	}
	return p
}

func renderable(units []dialogflow.MessageUnit) []dialogflow.MessageUnit {
	var out []dialogflow.MessageUnit
	for _, u := range units {
		if u.IsRenderable() {
			out = append(out, u)
		}
	}
	return out
}

func joinText(units []dialogflow.MessageUnit) string {
	var parts []string
	for _, u := range units {
		if u.IsText() {
			parts = append(parts, strings.TrimSpace(u.Text))
		}
	}
	return strings.Join(parts, "\n")
}

// canonicalAction folds both "PerformHandover" and "df_perform_handover"
// spellings to "performhandover".
func canonicalAction(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.TrimPrefix(key, "df_")
	return strings.ReplaceAll(key, "_", "")
}

func actionStep(roomID string, action *dialogflow.Action) (Step, bool) {
	params := action.Params
	switch canonicalAction(action.Name) {
	case "performhandover":
		fields := map[string]any{}
		if v := paramString(params, "salesforceButtonId"); v != "" {
			fields[domain.FieldRequestedButtonID] = v
		}
		if v := paramString(params, "salesforceId"); v != "" {
			fields[domain.FieldSalesforceID] = v
		}
		if v := paramString(params, "customDetail"); v != "" {
			fields[domain.FieldCustomDetail] = v
		}
		if v, ok := params["prechatDetails"]; ok && v != nil {
			fields[domain.FieldPrechatDetails] = v
		}
		return Step{Kind: KindHandover, Handover: HandoverRequest{
			Department: paramString(params, "targetDepartment", "departmentName"),
			RoomFields: fields,
		}}, true

	case "closechat":
		return Step{Kind: KindClose}, true

	case "newwelcomeevent":
		return Step{Kind: KindWelcomeEvent}, true

	case "settimeout":
		name := paramString(params, "eventName")
		seconds, ok := paramFloat(params, "time")
		if name == "" || !ok || seconds < 0 {
			slog.Warn("Ignoring malformed SetTimeout action",
				"room_id", roomID,
				"error", domain.ErrInvalidAction,
				"event_name", name)
			return Step{}, false
		}
		return Step{Kind: KindScheduleEvent, Event: ScheduledEvent{
			Name:             name,
			Delay:            time.Duration(seconds * float64(time.Second)),
			ContinueBlackout: paramBool(params, "continue_blackout", "continueBlackout"),
		}}, true

	case "changelanguagecode":
		code := paramString(params, "newLanguageCode", "languageCode")
		if code == "" {
			slog.Warn("Ignoring ChangeLanguageCode action without a code", "room_id", roomID)
			return Step{}, false
		}
		return Step{Kind: KindChangeLanguage, Language: code}, true

	case "dropqueue":
		return Step{Kind: KindDropQueue}, true

	default:
		slog.Warn("Ignoring unknown action", "room_id", roomID, "action", action.Name)
		return Step{}, false
	}
}

func paramString(params map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := params[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func paramBool(params map[string]any, keys ...string) bool {
	for _, key := range keys {
		switch v := params[key].(type) {
		case bool:
			return v
		case string:
			return strings.EqualFold(v, "true")
		}
	}
	return false
}
