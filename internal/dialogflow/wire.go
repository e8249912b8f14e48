package dialogflow

import "strings"

type wireText struct {
	Text []string `json:"text"`
}

func (t *wireText) first() string {
	if t == nil || len(t.Text) == 0 {
		return ""
	}
	return t.Text[0]
}

type wireQuickReplies struct {
	Text       string             `json:"text"`
	Options    []QuickReplyOption `json:"options"`
	ImageCards []ImageCard        `json:"imagecards"`
}

type wireCustomFields struct {
	DisableInput        any    `json:"disableInput"`
	DisableInputMessage string `json:"disableInputMessage"`
	DisplayTyping       any    `json:"displayTyping"`
	MediaCardURL        string `json:"mediaCardURL"`
}

type wirePayload struct {
	QuickReplies *wireQuickReplies `json:"quickReplies"`
	CustomFields *wireCustomFields `json:"customFields"`
	Action       *Action           `json:"action"`
	IsFallback   any               `json:"isFallback"`
}

type wireMessage struct {
	Text    *wireText    `json:"text"`
	Payload *wirePayload `json:"payload"`
}

// quickRepliesUnit returns a unit when the payload offers options or image cards.
func quickRepliesUnit(q *wireQuickReplies) (MessageUnit, bool) {
	if q == nil || (len(q.Options) == 0 && len(q.ImageCards) == 0) {
		return MessageUnit{}, false
	}
	return MessageUnit{Text: q.Text, Options: q.Options, ImageCards: q.ImageCards}, true
}

// accumulate folds one message's custom fields into acc; the last message wins.
func accumulate(acc *CustomFields, f *wireCustomFields) *CustomFields {
	if f == nil {
		return acc
	}
	if acc == nil {
		acc = &CustomFields{}
	}
	acc.DisableInput = truthy(f.DisableInput)
	acc.DisableInputMessage = f.DisableInputMessage
	acc.DisplayTyping = truthy(f.DisplayTyping)
	return acc
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	default:
		return false
	}
}
