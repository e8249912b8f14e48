package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisitorMessageIsAnswered(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return reply("Hi!"), nil
	}
	ctx := context.Background()

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("Hello")))

	calls := f.backend.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, dialogflow.RequestText, calls[0].Kind)
	assert.Equal(t, "Hello", calls[0].Text)
	assert.Equal(t, []string{"Hi!"}, f.platform.texts())
	assert.False(t, f.feed.isTyping(testRoom))

	processing, err := f.sessions.IsProcessing(ctx, testRoom)
	require.NoError(t, err)
	assert.False(t, processing)

	require.Len(t, f.scheduler.cancels, 1)
	assert.Equal(t, domain.JobKindEvent, f.scheduler.cancels[0].kind)
}

func TestMessagesThatAreIgnored(t *testing.T) {
	tests := []struct {
		name string
		msg  domain.InboundMessage
		prep func(*fixture)
	}{
		{
			name: "sent by the bot",
			msg:  domain.InboundMessage{RoomID: testRoom, Text: "Hi", SenderUsername: testBot},
		},
		{
			name: "edited",
			msg:  domain.InboundMessage{RoomID: testRoom, Text: "Hi", SenderUsername: "guest", Edited: true},
		},
		{
			name: "only a quote",
			msg:  domain.InboundMessage{RoomID: testRoom, Text: "[ ](http://chat/msg/1) ", SenderUsername: "guest"},
		},
		{
			name: "room served by a human",
			msg:  visitorSays("Hi"),
			prep: func(f *fixture) { f.platform.rooms[testRoom].ServedBy = &domain.User{Username: "alice"} },
		},
		{
			name: "room closed",
			msg:  visitorSays("Hi"),
			prep: func(f *fixture) { f.platform.rooms[testRoom].IsOpen = false },
		},
		{
			name: "already handed over",
			msg:  visitorSays("Hi"),
			prep: func(f *fixture) {
				require.NoError(t, f.sessions.SetHandedOver(context.Background(), testRoom, true))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, domain.AgentConfig{})
			if tc.prep != nil {
				tc.prep(f)
			}
			require.NoError(t, f.coord.HandleMessage(context.Background(), tc.msg))
			assert.Empty(t, f.backend.requests())
		})
	}
}

func TestQuotedReplyIsStripped(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})

	msg := visitorSays("[ ](http://chat/room?msg=abc) yes please")
	require.NoError(t, f.coord.HandleMessage(context.Background(), msg))

	calls := f.backend.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "yes please", calls[0].Text)
}

func TestUnknownRoom(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})

	err := f.coord.HandleMessage(context.Background(), domain.InboundMessage{RoomID: "nope", Text: "Hi"})
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
}

func TestMessageDroppedWhileBackendCallInFlight(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return reply("first answer"), nil
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.coord.HandleMessage(ctx, visitorSays("first")) }()
	<-started

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("second")))
	close(release)
	require.NoError(t, <-done)

	calls := f.backend.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "first", calls[0].Text)

	// The flag is cleared once the call returns.
	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("third")))
	assert.Len(t, f.backend.requests(), 2)
}

func TestMessageQueuedDuringEventIsReplayed(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	f.backend.respond = func(req dialogflow.Request) (*dialogflow.Response, error) {
		if req.Kind == dialogflow.RequestEvent {
			close(started)
			<-release
			return reply("Are you still there?"), nil
		}
		return reply("Got it: " + req.Text), nil
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- f.coord.RunEventJob(ctx, &domain.Job{
			Kind:   domain.JobKindEvent,
			RoomID: testRoom,
			Data:   map[string]any{"eventName": "Reminder"},
		})
	}()
	<-started

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("a")))
	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("b")))
	assert.Len(t, f.backend.requests(), 1, "visitor text is deferred while the window is open")

	close(release)
	require.NoError(t, <-done)

	calls := f.backend.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, "b", calls[1].Text, "last queued message wins")
	assert.Equal(t, []string{"Are you still there?", "Got it: b"}, f.platform.texts())

	session, err := f.sessions.Session(ctx, testRoom)
	require.NoError(t, err)
	assert.False(t, session.IsQueueWindowActive)
	assert.False(t, session.IsProcessing)
	assert.Empty(t, session.QueuedMessage)
}

func TestDropQueueSuppressesFollowUp(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	started := make(chan struct{})
	release := make(chan struct{})
	f.backend.respond = func(req dialogflow.Request) (*dialogflow.Response, error) {
		close(started)
		<-release
		return &dialogflow.Response{Messages: []dialogflow.MessageUnit{
			{Text: "Never mind"},
			{Action: &dialogflow.Action{Name: "df_drop_queue"}},
		}}, nil
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- f.coord.TriggerEvent(ctx, testRoom, dialogflow.Event{Name: "Timeout"})
	}()
	<-started
	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("still here")))
	close(release)
	require.NoError(t, <-done)

	assert.Len(t, f.backend.requests(), 1)
	queued, err := f.sessions.QueuedMessage(ctx, testRoom)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestEventJobForClosedRoomCancelsItself(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	f.platform.rooms[testRoom].IsOpen = false

	err := f.coord.RunEventJob(context.Background(), &domain.Job{
		Kind:   domain.JobKindEvent,
		RoomID: testRoom,
		Data:   map[string]any{"eventName": "Reminder"},
	})
	require.NoError(t, err)
	assert.Empty(t, f.backend.requests())
	require.Len(t, f.scheduler.cancels, 1)
	assert.Equal(t, cancelCall{roomID: testRoom, kind: domain.JobKindEvent}, f.scheduler.cancels[0])
}

func TestLanguageChangeIsIdempotent(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	lang := "de"
	f.backend.respond = func(req dialogflow.Request) (*dialogflow.Response, error) {
		if req.Kind == dialogflow.RequestEvent {
			return reply("Sprache geändert"), nil
		}
		return &dialogflow.Response{
			Messages:   []dialogflow.MessageUnit{{Text: "ok"}},
			Parameters: map[string]any{dialogflow.LanguageParameter: lang},
		}, nil
	}
	ctx := context.Background()

	countEvents := func() int {
		n := 0
		for _, r := range f.backend.requests() {
			if r.Kind == dialogflow.RequestEvent && r.Event.Name == domain.ChangeLanguageEventName {
				n++
			}
		}
		return n
	}

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("Deutsch bitte")))
	assert.Equal(t, 1, countEvents())
	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("noch einmal")))
	assert.Equal(t, 1, countEvents(), "same code does not resend the event")

	code, err := f.sessions.Language(ctx, testRoom)
	require.NoError(t, err)
	assert.Equal(t, "de", code)

	lang = "fr"
	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("français")))
	assert.Equal(t, 2, countEvents())
}

func TestFallbackLimitHandsOver(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{
		FallbackResponsesLimit:   3,
		FallbackTargetDepartment: "Support",
	})
	f.platform.addDepartment("Support", true)
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return &dialogflow.Response{IsFallback: true, Messages: []dialogflow.MessageUnit{{Text: "Sorry?"}}}, nil
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("blah")))
	}
	assert.Empty(t, f.platform.transfers)
	assert.Equal(t, []string{"Sorry?", "Sorry?"}, f.platform.texts())

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("blah")))
	assert.Equal(t, []string{"dep-Support"}, f.platform.transfers)
	assert.Equal(t, "Sorry?", f.platform.texts()[2], "fallback text announces the handover")

	handedOver, err := f.sessions.IsHandedOver(ctx, testRoom)
	require.NoError(t, err)
	assert.True(t, handedOver)
	assert.Equal(t, true, f.platform.fields[domain.FieldHandedOverFromBot])
	assert.Equal(t, []string{"Support"}, f.feed.handovers)
}

func TestFallbackLimitWithoutDepartment(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{FallbackResponsesLimit: 1, ServiceUnavailableMessage: "Nobody home"})
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return &dialogflow.Response{IsFallback: true, Messages: []dialogflow.MessageUnit{{Text: "Sorry?"}}}, nil
	}

	require.NoError(t, f.coord.HandleMessage(context.Background(), visitorSays("blah")))
	assert.Empty(t, f.platform.transfers)
	assert.Equal(t, []string{"Nobody home"}, f.platform.texts())
}

func TestBackendFailureHandsOverToFallbackDepartment(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{
		FallbackTargetDepartment:  "Support",
		ServiceUnavailableMessage: "Bot is down",
		HandoverMessage:           "Transferring you",
	})
	f.platform.addDepartment("Support", true)
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return nil, errors.New("deadline exceeded")
	}
	ctx := context.Background()

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("Hello")))

	assert.Equal(t, []string{"Bot is down", "Transferring you"}, f.platform.texts())
	assert.Equal(t, []string{"dep-Support"}, f.platform.transfers)
	assert.Equal(t, false, f.platform.fields[domain.FieldChatBotFunctional])

	processing, err := f.sessions.IsProcessing(ctx, testRoom)
	require.NoError(t, err)
	assert.False(t, processing, "a failed call never locks the room")
}

func TestBackendFailureWithOfflineDepartmentClosesRoom(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{
		FallbackTargetDepartment:   "Support",
		NoAgentsForHandoverMessage: "No agents right now",
		CloseChatMessage:           "Bye",
	})
	f.platform.addDepartment("Support", false)
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return nil, errors.New("unavailable")
	}

	require.NoError(t, f.coord.HandleMessage(context.Background(), visitorSays("Hello")))

	assert.Empty(t, f.platform.transfers)
	assert.Equal(t, []string{domain.DefaultServiceUnavailableMessage, "No agents right now"}, f.platform.texts())
	assert.Equal(t, []string{"Bye"}, f.platform.closed)
	assert.False(t, f.platform.rooms[testRoom].IsOpen)
}

func TestSetTimeoutSchedulesEventWithBlackout(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return &dialogflow.Response{Messages: []dialogflow.MessageUnit{
			{Text: "Let me check"},
			{Action: &dialogflow.Action{Name: "df_set_timeout", Params: map[string]any{
				"eventName":         "Check",
				"time":              float64(30),
				"continue_blackout": true,
			}}},
		}}, nil
	}
	ctx := context.Background()
	before := time.Now()

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("status?")))

	jobs := f.scheduler.scheduled()
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobKindEvent, jobs[0].Kind)
	assert.Equal(t, "Check", jobs[0].StringData("eventName"))
	assert.WithinDuration(t, before.Add(30*time.Second), jobs[0].When, 5*time.Second)

	processing, err := f.sessions.IsProcessing(ctx, testRoom)
	require.NoError(t, err)
	assert.True(t, processing, "blackout holds until the event fires")

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("hello?")))
	assert.Len(t, f.backend.requests(), 1)
}

func TestScheduleFailureSendsUnavailable(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{ServiceUnavailableMessage: "Try later"})
	f.scheduler.failNext = errors.New("disk full")
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return &dialogflow.Response{Messages: []dialogflow.MessageUnit{
			{Action: &dialogflow.Action{Name: "SetTimeout", Params: map[string]any{
				"eventName":        "Check",
				"time":             "10",
				"continueBlackout": true,
			}}},
		}}, nil
	}
	ctx := context.Background()

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays("status?")))
	assert.Equal(t, []string{"Try later"}, f.platform.texts())

	processing, err := f.sessions.IsProcessing(ctx, testRoom)
	require.NoError(t, err)
	assert.False(t, processing)
}

func TestClosedByVisitorMarker(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{EnableChatClosedByVisitorEvent: true, ChatClosedByVisitorEvent: "bye_event"})
	ctx := context.Background()

	require.NoError(t, f.coord.HandleMessage(ctx, visitorSays(domain.ClosedByVisitorText)))

	calls := f.backend.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "bye_event", calls[0].Event.Name)
	assert.Equal(t, cancelCall{roomID: testRoom}, f.scheduler.cancels[0])
}

func TestIdleTimeoutMarkerClosesRoom(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})

	require.NoError(t, f.coord.HandleMessage(context.Background(), visitorSays(domain.CustomerIdleTimeoutText)))

	assert.Equal(t, []string{domain.DefaultCloseChatMessage}, f.platform.closed)
	assert.Empty(t, f.backend.requests(), "closed-by-visitor event disabled")
}

func TestActionUnitCustomFieldsAreRendered(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{})
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return &dialogflow.Response{Messages: []dialogflow.MessageUnit{
			{Text: "Please wait"},
			{
				Action: &dialogflow.Action{Name: "SetTimeout", Params: map[string]any{
					"eventName": "Check",
					"time":      float64(5),
				}},
				CustomFields: &dialogflow.CustomFields{DisableInput: true, DisplayTyping: true},
			},
		}}, nil
	}

	require.NoError(t, f.coord.HandleMessage(context.Background(), visitorSays("status?")))

	require.Len(t, f.platform.sent, 2)
	assert.Equal(t, "Please wait", f.platform.sent[0].Text)
	assert.Equal(t, map[string]any{"disableInput": true, "displayTyping": true}, f.platform.sent[1].CustomFields)
	assert.True(t, f.feed.isTyping(testRoom), "typing indicator stays on while input is disabled")
	assert.Len(t, f.scheduler.scheduled(), 1)
}

func TestEventJobFailureLiftsBlackout(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture)
		data    map[string]any
		wantErr error
	}{
		{
			name:    "missing event name",
			data:    map[string]any{"continueBlackout": true},
			wantErr: domain.ErrInvalidAction,
		},
		{
			name: "unknown serving bot",
			prepare: func(f *fixture) {
				f.platform.rooms[testRoom].ServedBy = &domain.User{ID: "u-x", Username: "someone.else"}
			},
			data:    map[string]any{"eventName": "Check", "continueBlackout": true},
			wantErr: domain.ErrConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.AgentConfig{})
			if tt.prepare != nil {
				tt.prepare(f)
			}
			ctx := context.Background()
			require.NoError(t, f.sessions.SetProcessing(ctx, testRoom, true))

			err := f.coord.RunEventJob(ctx, &domain.Job{Kind: domain.JobKindEvent, RoomID: testRoom, Data: tt.data})
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.backend.requests())

			processing, err := f.sessions.IsProcessing(ctx, testRoom)
			require.NoError(t, err)
			assert.False(t, processing)
		})
	}
}

func TestFallbackHandoverRendersPendingResponse(t *testing.T) {
	f := newFixture(t, domain.AgentConfig{
		FallbackResponsesLimit:   1,
		FallbackTargetDepartment: "Support",
	})
	f.platform.addDepartment("Support", true)
	f.backend.respond = func(dialogflow.Request) (*dialogflow.Response, error) {
		return &dialogflow.Response{IsFallback: true, Messages: []dialogflow.MessageUnit{{
			Text:    "Sorry, pick one",
			Options: []dialogflow.QuickReplyOption{{Text: "Billing"}, {Text: "Shipping"}},
		}}}, nil
	}

	require.NoError(t, f.coord.HandleMessage(context.Background(), visitorSays("blah")))

	require.Equal(t, []string{"dep-Support"}, f.platform.transfers)
	require.NotEmpty(t, f.platform.sent)
	announced := f.platform.sent[0]
	assert.Equal(t, "Sorry, pick one", announced.Text)
	require.Len(t, announced.Blocks, 1)
	assert.Equal(t, domain.BlockActions, announced.Blocks[0].Type)
	assert.Len(t, announced.Blocks[0].Elements, 2)
}
