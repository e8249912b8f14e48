package bot

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
)

// Button action ids the bridge handles itself.
const (
	ActionPerformHandover = "df_perform_handover"
	ActionCloseChat       = "df_close_chat"
)

// render converts one message unit into the chat messages that show it.
// Image cards become one message each, after the unit's own message.
func render(sender string, unit dialogflow.MessageUnit) []domain.OutboundMessage {
	var out []domain.OutboundMessage

	msg := domain.OutboundMessage{
		Sender:       sender,
		Text:         strings.TrimSpace(unit.Text),
		CustomFields: customFields(unit.CustomFields),
	}
	if unit.CustomFields != nil && unit.CustomFields.MediaCardURL != "" {
		msg.Attachment = &domain.Attachment{ImageURL: unit.CustomFields.MediaCardURL}
	}
	if len(unit.Options) > 0 {
		msg.Blocks = append(msg.Blocks, domain.Block{
			Type:     domain.BlockActions,
			Elements: buttons(unit.Options),
		})
	}
	if !msg.IsEmpty() {
		out = append(out, msg)
	}

	for _, card := range unit.ImageCards {
		cardMsg := domain.OutboundMessage{
			Sender: sender,
			Text:   card.Title,
			Blocks: []domain.Block{{
				Type:     domain.BlockImage,
				ImageURL: card.ImageURL,
				AltText:  card.ImageURL,
				Title:    card.Subtitle,
			}},
		}
		if len(card.Buttons) > 0 {
			cardMsg.Blocks = append(cardMsg.Blocks, domain.Block{
				Type:     domain.BlockActions,
				Elements: buttons(card.Buttons),
			})
		}
		out = append(out, cardMsg)
	}
	return out
}

func buttons(options []dialogflow.QuickReplyOption) []domain.Button {
	out := make([]domain.Button, 0, len(options))
	for _, opt := range options {
		b := domain.Button{
			ActionID: opt.ActionID,
			Text:     opt.Text,
			Value:    opt.Text,
			Style:    opt.ButtonStyle,
		}
		if b.ActionID == "" {
			b.ActionID = uuid.NewString()
		}
		if b.ActionID == ActionPerformHandover {
			b.Value = ""
			if opt.Data != nil {
				b.Value = opt.Data.DepartmentName
			}
		}
		out = append(out, b)
	}
	return out
}

func customFields(f *dialogflow.CustomFields) map[string]any {
	if f == nil {
		return nil
	}
	out := map[string]any{}
	if f.DisableInput {
		out["disableInput"] = true
	}
	if f.DisableInputMessage != "" {
		out["disableInputMessage"] = f.DisableInputMessage
	}
	if f.DisplayTyping {
		out["displayTyping"] = true
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
