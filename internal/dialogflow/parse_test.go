package dialogflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLegacyAttachesCustomFieldsToLastUnit(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"queryResult": {
			"intent": {"isFallback": true},
			"fulfillmentMessages": [
				{"text": {"text": ["First"]}},
				{"payload": {
					"quickReplies": {"text": "Pick one", "options": [{"text": "Yes"}, {"text": "Talk to a human", "actionId": "df_perform_handover", "data": {"departmentName": "Support"}}]},
					"customFields": {"disableInput": true, "disableInputMessage": "Choose an option"}
				}}
			]
		}
	}`)

	resp, err := legacyVariant{}.parse(200, data)
	require.NoError(t, err)
	assert.True(t, resp.IsFallback)
	require.Len(t, resp.Messages, 2)

	assert.Equal(t, "First", resp.Messages[0].Text)
	assert.Nil(t, resp.Messages[0].CustomFields)

	last := resp.Messages[1]
	require.Len(t, last.Options, 2)
	assert.Equal(t, "Support", last.Options[1].Data.DepartmentName)
	require.NotNil(t, last.CustomFields)
	assert.True(t, last.CustomFields.DisableInput)
	assert.Equal(t, "Choose an option", last.CustomFields.DisableInputMessage)
}

func TestParseLegacyStandaloneCustomFieldsAndAction(t *testing.T) {
	t.Parallel()

	data := []byte(`{"queryResult": {"fulfillmentMessages": [
		{"payload": {"customFields": {"displayTyping": true}}}
	]}}`)
	resp, err := legacyVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	require.NotNil(t, resp.Messages[0].CustomFields)
	assert.True(t, resp.Messages[0].CustomFields.DisplayTyping)

	data = []byte(`{"queryResult": {"fulfillmentMessages": [
		{"text": {"text": ["Bye"]}},
		{"payload": {"action": {"name": "df_close_chat"}}}
	]}}`)
	resp, err = legacyVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	require.NotNil(t, resp.Messages[1].Action)
	assert.Equal(t, "df_close_chat", resp.Messages[1].Action.Name)
}

func TestParseLegacyCustomFieldsOnTrailingAction(t *testing.T) {
	t.Parallel()

	data := []byte(`{"queryResult": {"fulfillmentMessages": [
		{"text": {"text": ["Please wait"]}},
		{"payload": {
			"customFields": {"disableInput": true, "displayTyping": true},
			"action": {"name": "SetTimeout", "params": {"eventName": "Check", "time": 5}}
		}}
	]}}`)
	resp, err := legacyVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.Nil(t, resp.Messages[0].CustomFields)

	last := resp.Messages[1]
	require.NotNil(t, last.Action)
	assert.Equal(t, "SetTimeout", last.Action.Name)
	require.NotNil(t, last.CustomFields)
	assert.True(t, last.CustomFields.DisableInput)
	assert.True(t, last.CustomFields.DisplayTyping)
	assert.False(t, last.IsRenderable(), "the interpreter renders these fields separately")
}

func TestParseLegacySkipsEmptyTextArrays(t *testing.T) {
	t.Parallel()

	data := []byte(`{"queryResult": {"fulfillmentMessages": [{"text": {"text": []}}, {"text": {"text": ["ok"]}}]}}`)
	resp, err := legacyVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "ok", resp.Messages[0].Text)
}

const cxTrace = `"diagnosticInfo": {"Execution Sequence": [
	{"Step 1": {}},
	{"Step 2": {}},
	{"Step 3": {"FunctionExecution": {"Responses": [
		{"responseType": "HANDLER_PROMPT", "text": {"text": ["From intent A"]}},
		{"responseType": "HANDLER_PROMPT", "text": {"text": ["From intent B"]}},
		{"responseType": "ENTRY_PROMPT", "text": {"text": ["From page"]}}
	]}}}
]}`

func TestParseNextGenGroupsTextByProvenance(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"session": "projects/p/locations/global/agents/a/sessions/abc",
		"queryResult": {
			` + cxTrace + `,
			"parameters": {"custom_languagecode": "de"},
			"responseMessages": [
				{"text": {"text": ["From page"]}},
				{"text": {"text": ["From intent A"]}},
				{"payload": {"quickReplies": {"options": [{"text": "Menu"}]}}},
				{"text": {"text": ["From intent B"]}},
				{"payload": {"isFallback": true}}
			]
		}
	}`)

	resp, err := nextGenVariant{}.parse(200, data)
	require.NoError(t, err)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, "abc", resp.SessionID)
	assert.Equal(t, "de", resp.LanguageCode())

	require.Len(t, resp.Messages, 3)
	assert.Len(t, resp.Messages[0].Options, 1)
	assert.Equal(t, "From intent A\n \nFrom intent B", resp.Messages[1].Text)
	assert.Equal(t, "From page", resp.Messages[2].Text)
}

func TestParseNextGenMissingTraceDefaultsToPage(t *testing.T) {
	t.Parallel()

	data := []byte(`{"queryResult": {
		"diagnosticInfo": {"Execution Sequence": "unexpected"},
		"responseMessages": [{"text": {"text": ["one"]}}, {"text": {"text": ["two"]}}]
	}}`)

	resp, err := nextGenVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "one\n \ntwo", resp.Messages[0].Text)
}

func TestParseNextGenCustomFieldsAttachToLastTextUnit(t *testing.T) {
	t.Parallel()

	data := []byte(`{"queryResult": {"responseMessages": [
		{"text": {"text": ["Hello"]}},
		{"payload": {"customFields": {"disableInput": true, "mediaCardURL": "https://cdn/x.png"}}},
		{"payload": {"action": {"name": "df_set_timeout", "params": {"time": 10, "eventName": "nudge"}}}}
	]}}`)

	resp, err := nextGenVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 3)

	assert.Equal(t, "https://cdn/x.png", resp.Messages[0].CustomFields.MediaCardURL)
	require.NotNil(t, resp.Messages[1].Action)
	assert.Equal(t, "Hello", resp.Messages[2].Text)
	require.NotNil(t, resp.Messages[2].CustomFields)
	assert.True(t, resp.Messages[2].CustomFields.DisableInput)
}

func TestParseNextGenStandaloneCustomFieldsWhenNoText(t *testing.T) {
	t.Parallel()

	data := []byte(`{"queryResult": {"responseMessages": [
		{"payload": {"action": {"name": "df_close_chat"}, "customFields": {"displayTyping": true}}}
	]}}`)

	resp, err := nextGenVariant{}.parse(200, data)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 2)
	assert.NotNil(t, resp.Messages[0].Action)
	require.NotNil(t, resp.Messages[1].CustomFields)
	assert.True(t, resp.Messages[1].CustomFields.DisplayTyping)
}

func TestParseMissingQueryResult(t *testing.T) {
	t.Parallel()

	_, err := nextGenVariant{}.parse(500, []byte(`{"error": {"message": "boom", "status": "INTERNAL"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = legacyVariant{}.parse(200, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no queryResult")
}
