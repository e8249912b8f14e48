package domain

// Block types of an outbound message.
const (
	BlockActions = "actions"
	BlockImage   = "image"
)

// Button is a clickable element of an actions block.
type Button struct {
	ActionID string `json:"actionId"`
	Text     string `json:"text"`
	Value    string `json:"value,omitempty"`
	Style    string `json:"style,omitempty"`
}

// Block is a neutral UI block description rendered by the platform.
type Block struct {
	Type     string   `json:"type"`
	ImageURL string   `json:"imageUrl,omitempty"`
	AltText  string   `json:"altText,omitempty"`
	Title    string   `json:"title,omitempty"`
	Elements []Button `json:"elements,omitempty"`
}

// Attachment is a media attachment of an outbound message.
type Attachment struct {
	ImageURL string `json:"imageUrl,omitempty"`
	Title    string `json:"title,omitempty"`
}

// OutboundMessage is a message posted into a room by the bot.
type OutboundMessage struct {
	Sender       string         `json:"sender,omitempty"`
	Text         string         `json:"text,omitempty"`
	Blocks       []Block        `json:"blocks,omitempty"`
	Attachment   *Attachment    `json:"attachment,omitempty"`
	CustomFields map[string]any `json:"customFields,omitempty"`
}

// IsEmpty reports whether the message would render nothing.
func (m OutboundMessage) IsEmpty() bool {
	return m.Text == "" && len(m.Blocks) == 0 && m.Attachment == nil && len(m.CustomFields) == 0
}
