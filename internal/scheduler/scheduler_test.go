package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/dfbridge/internal/domain"
	"github.com/ashureev/dfbridge/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRunDueDispatchesOnlyDueJobs(t *testing.T) {
	t.Parallel()
	repo := newStore(t)
	ctx := context.Background()
	s := New(repo, time.Second)

	var got atomic.Value
	s.Register(domain.JobKindEvent, func(_ context.Context, job *domain.Job) error {
		got.Store(job.StringData("eventName"))
		return nil
	})

	_, err := s.ScheduleOnce(ctx, domain.Job{
		Kind:   domain.JobKindEvent,
		RoomID: "r1",
		When:   time.Now().Add(-time.Second),
		Data:   map[string]any{"eventName": "Reminder"},
	})
	require.NoError(t, err)
	_, err = s.ScheduleOnce(ctx, domain.Job{Kind: domain.JobKindEvent, RoomID: "r1", When: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 1, s.RunDue(ctx))
	s.Wait()
	assert.Equal(t, "Reminder", got.Load())

	assert.Zero(t, s.RunDue(ctx), "a job runs once")
}

func TestTwoWorkersRunJobOnce(t *testing.T) {
	t.Parallel()
	repo := newStore(t)
	ctx := context.Background()

	var runs atomic.Int32
	process := func(context.Context, *domain.Job) error {
		runs.Add(1)
		return nil
	}
	a := New(repo, time.Second)
	b := New(repo, time.Second)
	a.Register(domain.JobKindEvent, process)
	b.Register(domain.JobKindEvent, process)

	_, err := a.ScheduleOnce(ctx, domain.Job{Kind: domain.JobKindEvent, RoomID: "r1", When: time.Now().Add(-time.Millisecond)})
	require.NoError(t, err)

	done := make(chan int, 2)
	go func() { done <- a.RunDue(ctx) }()
	go func() { done <- b.RunDue(ctx) }()
	total := <-done + <-done
	a.Wait()
	b.Wait()

	assert.Equal(t, 1, total)
	assert.Equal(t, int32(1), runs.Load())
}

func TestCancelByQuery(t *testing.T) {
	t.Parallel()
	repo := newStore(t)
	ctx := context.Background()
	s := New(repo, time.Second)

	var runs atomic.Int32
	s.Register(domain.JobKindEvent, func(context.Context, *domain.Job) error {
		runs.Add(1)
		return nil
	})
	s.Register(domain.JobKindSessionMaintenance, func(context.Context, *domain.Job) error {
		runs.Add(10)
		return nil
	})

	past := time.Now().Add(-time.Second)
	_, err := s.ScheduleOnce(ctx, domain.Job{Kind: domain.JobKindEvent, RoomID: "r1", When: past})
	require.NoError(t, err)
	_, err = s.ScheduleOnce(ctx, domain.Job{Kind: domain.JobKindSessionMaintenance, RoomID: "r1", When: past})
	require.NoError(t, err)

	require.NoError(t, s.CancelByQuery(ctx, "r1", domain.JobKindEvent))
	s.RunDue(ctx)
	s.Wait()
	assert.Equal(t, int32(10), runs.Load())
}

func TestScheduleOnceRequiresRoom(t *testing.T) {
	t.Parallel()
	s := New(newStore(t), time.Second)
	_, err := s.ScheduleOnce(context.Background(), domain.Job{Kind: domain.JobKindEvent})
	require.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestStartPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	repo := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(repo, 10*time.Millisecond)
	fired := make(chan string, 1)
	s.Register(domain.JobKindEvent, func(_ context.Context, job *domain.Job) error {
		fired <- job.RoomID
		return nil
	})
	_, err := s.ScheduleOnce(ctx, domain.Job{Kind: domain.JobKindEvent, RoomID: "r9", When: time.Now()})
	require.NoError(t, err)

	s.Start(ctx)
	select {
	case room := <-fired:
		assert.Equal(t, "r9", room)
	case <-time.After(2 * time.Second):
		t.Fatal("job was not dispatched")
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5 minutes", 5 * time.Minute, false},
		{"30 seconds", 30 * time.Second, false},
		{"1 hour", time.Hour, false},
		{"90s", 90 * time.Second, false},
		{"1.5 hours", 90 * time.Minute, false},
		{"", 0, true},
		{"5 fortnights", 0, true},
		{"-1 minutes", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseInterval(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
