package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ashureev/dfbridge/internal/dialogflow"
	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/store"
	"github.com/stretchr/testify/require"
)

const (
	testRoom = "r1"
	testBot  = "dialogflow.bot"
)

type fakePlatform struct {
	mu          sync.Mutex
	rooms       map[string]*domain.Room
	departments map[string]*domain.Department
	online      map[string]bool
	sent        []domain.OutboundMessage
	visitor     []string
	fields      map[string]any
	transfers   []string
	closed      []string
	removed     []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		rooms: map[string]*domain.Room{
			testRoom: {
				ID:       testRoom,
				Type:     domain.RoomTypeLivechat,
				IsOpen:   true,
				ServedBy: &domain.User{ID: "u-bot", Username: testBot},
				Visitor: domain.Visitor{
					ID:           "v1",
					Token:        "visitor-token",
					LivechatData: map[string]any{"plan": "gold"},
				},
			},
		},
		departments: map[string]*domain.Department{},
		online:      map[string]bool{},
		fields:      map[string]any{},
	}
}

func (p *fakePlatform) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.rooms[roomID]
	if !ok {
		return nil, nil
	}
	cp := *room
	return &cp, nil
}

func (p *fakePlatform) GetVisitorByToken(_ context.Context, token string) (*domain.Visitor, error) {
	return &domain.Visitor{Token: token}, nil
}

func (p *fakePlatform) UpdateRoomCustomFields(_ context.Context, _ string, fields map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range fields {
		p.fields[k] = v
	}
	return nil
}

func (p *fakePlatform) SendMessage(_ context.Context, _ string, msg domain.OutboundMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return fmt.Sprintf("m%d", len(p.sent)), nil
}

func (p *fakePlatform) SendVisitorMessage(_ context.Context, _, _ string, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visitor = append(p.visitor, text)
	return nil
}

func (p *fakePlatform) Department(_ context.Context, nameOrID string) (*domain.Department, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.departments[nameOrID], nil
}

func (p *fakePlatform) IsOnline(_ context.Context, departmentID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[departmentID], nil
}

func (p *fakePlatform) Transfer(_ context.Context, _ string, departmentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transfers = append(p.transfers, departmentID)
	return nil
}

func (p *fakePlatform) CloseRoom(_ context.Context, roomID, comment string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, comment)
	if room, ok := p.rooms[roomID]; ok {
		room.IsOpen = false
	}
	return nil
}

func (p *fakePlatform) RemoveActionBlocks(_ context.Context, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, messageID)
	return nil
}

func (p *fakePlatform) addDepartment(name string, online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := &domain.Department{ID: "dep-" + name, Name: name}
	p.departments[name] = d
	p.online[d.ID] = online
}

func (p *fakePlatform) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.sent {
		if m.Text != "" {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeBackend struct {
	mu      sync.Mutex
	calls   []dialogflow.Request
	respond func(req dialogflow.Request) (*dialogflow.Response, error)
}

func (b *fakeBackend) Send(_ context.Context, _ string, req dialogflow.Request) (*dialogflow.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	respond := b.respond
	b.mu.Unlock()
	if respond == nil {
		return &dialogflow.Response{}, nil
	}
	return respond(req)
}

func (b *fakeBackend) requests() []dialogflow.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]dialogflow.Request(nil), b.calls...)
}

func reply(texts ...string) *dialogflow.Response {
	resp := &dialogflow.Response{}
	for _, t := range texts {
		resp.Messages = append(resp.Messages, dialogflow.MessageUnit{Text: t})
	}
	return resp
}

type fakeFeed struct {
	mu        sync.Mutex
	typing    map[string]bool
	messages  []string
	handovers []string
	closed    []string
}

func (f *fakeFeed) StartTyping(_ context.Context, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[roomID] = true
}

func (f *fakeFeed) StopTyping(_ context.Context, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[roomID] = false
}

func (f *fakeFeed) Message(_ context.Context, _ string, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
}

func (f *fakeFeed) Handover(_ context.Context, _ string, department string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handovers = append(f.handovers, department)
}

func (f *fakeFeed) CloseRoom(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, roomID)
}

func (f *fakeFeed) isTyping(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typing[roomID]
}

type cancelCall struct {
	roomID string
	kind   domain.JobKind
}

type fakeScheduler struct {
	mu       sync.Mutex
	jobs     []domain.Job
	cancels  []cancelCall
	failNext error
}

func (s *fakeScheduler) ScheduleOnce(_ context.Context, job domain.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return "", err
	}
	s.jobs = append(s.jobs, job)
	return "job-" + job.RoomID, nil
}

func (s *fakeScheduler) CancelByQuery(_ context.Context, roomID string, kind domain.JobKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, cancelCall{roomID: roomID, kind: kind})
	return nil
}

func (s *fakeScheduler) scheduled() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Job(nil), s.jobs...)
}

type fakeAgents map[string]*domain.AgentConfig

func (a fakeAgents) Agent(username string) (*domain.AgentConfig, bool) {
	cfg, ok := a[username]
	if !ok {
		return nil, false
	}
	cp := *cfg
	return &cp, true
}

func (a fakeAgents) IsBot(username string) bool {
	_, ok := a[username]
	return ok
}

type fakeConfigs struct {
	sessions store.SessionStore
	agents   fakeAgents
}

func (f fakeConfigs) AgentConfig(ctx context.Context, room *domain.Room) (*domain.AgentConfig, error) {
	snapshot, err := f.sessions.AgentConfigSnapshot(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		return snapshot, nil
	}
	if cfg, ok := f.agents.Agent(room.ServedByUsername()); ok {
		return cfg, nil
	}
	return nil, domain.ErrConfig
}

type fixture struct {
	coord     *Coordinator
	sessions  store.Repository
	platform  *fakePlatform
	backend   *fakeBackend
	feed      *fakeFeed
	scheduler *fakeScheduler
}

func newFixture(t *testing.T, cfg domain.AgentConfig) *fixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "bot.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg.Username = testBot
	agents := fakeAgents{testBot: &cfg}

	f := &fixture{
		sessions:  repo,
		platform:  newFakePlatform(),
		backend:   &fakeBackend{},
		feed:      &fakeFeed{typing: map[string]bool{}},
		scheduler: &fakeScheduler{},
	}
	f.coord = New(Deps{
		Sessions:  repo,
		Backend:   f.backend,
		Platform:  f.platform,
		Configs:   fakeConfigs{sessions: repo, agents: agents},
		Agents:    agents,
		Scheduler: f.scheduler,
		Feed:      f.feed,
	})
	return f
}

func visitorSays(text string) domain.InboundMessage {
	return domain.InboundMessage{ID: "in-1", RoomID: testRoom, Text: text, SenderUsername: "guest-1"}
}
