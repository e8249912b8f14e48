// Package domain contains core domain types for the dfbridge service.
package domain

import (
	"strings"
)

// RoomTypeLivechat marks omnichannel livechat rooms.
const RoomTypeLivechat = "l"

// Room custom-field keys written by the bridge.
const (
	FieldAccessToken       = "accessToken"
	FieldChatBotFunctional = "isChatBotFunctional"
	FieldHandedOverFromBot = "isHandedOverFromDialogflow"
	FieldRequestedButtonID = "reqButtonId"
	FieldSalesforceID      = "salesforceId"
	FieldCustomDetail      = "customDetail"
	FieldPrechatDetails    = "prechatDetails"
)

// User is a platform user, typically the bot or a human agent.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Visitor is the livechat guest on the other side of a room.
type Visitor struct {
	ID           string         `json:"id"`
	Token        string         `json:"token"`
	Username     string         `json:"username"`
	LivechatData map[string]any `json:"livechatData,omitempty"`
}

// Room is a livechat room as reported by the platform.
type Room struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	IsOpen       bool           `json:"isOpen"`
	ServedBy     *User          `json:"servedBy,omitempty"`
	Visitor      Visitor        `json:"visitor"`
	DepartmentID string         `json:"departmentId,omitempty"`
	CustomFields map[string]any `json:"customFields,omitempty"`
}

// IsLivechat reports whether the room is an omnichannel livechat room.
func (r *Room) IsLivechat() bool {
	return r != nil && r.Type == RoomTypeLivechat
}

// ServedByUsername returns the username of the agent serving the room, or "".
func (r *Room) ServedByUsername() string {
	if r == nil || r.ServedBy == nil {
		return ""
	}
	return r.ServedBy.Username
}

// CustomBool returns a boolean custom field and whether it was present.
func (r *Room) CustomBool(key string) (value bool, ok bool) {
	if r == nil || r.CustomFields == nil {
		return false, false
	}
	raw, exists := r.CustomFields[key]
	if !exists {
		return false, false
	}
	switch v := raw.(type) {
	case bool:
		return v, true
	case string:
		return strings.EqualFold(v, "true"), true
	default:
		return false, false
	}
}

// Department is a livechat department that human agents belong to.
type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// InboundMessage is a message the platform reports as sent in a room.
type InboundMessage struct {
	ID             string         `json:"id"`
	RoomID         string         `json:"roomId"`
	Text           string         `json:"text"`
	SenderUsername string         `json:"senderUsername"`
	Edited         bool           `json:"edited"`
	CustomFields   map[string]any `json:"customFields,omitempty"`
}

// BlockAction is a visitor click on a message button.
type BlockAction struct {
	RoomID       string `json:"roomId"`
	MessageID    string `json:"messageId"`
	ActionID     string `json:"actionId"`
	Value        string `json:"value"`
	VisitorToken string `json:"visitorToken"`
}
