package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, hooks Hooks) (*Registry, *testutil.ManualClock, *testutil.Recorder) {
	t.Helper()
	clock := testutil.NewManualClock(t0)
	bus := events.NewMemoryBus()
	t.Cleanup(bus.Close)
	rec := testutil.RecordEvents(t, bus)
	var n atomic.Int64
	r := NewRegistry(Options{
		HealthTimeout: 5 * time.Second,
		Clock:         clock,
		Emitter:       &events.Emitter{Bus: bus, Now: clock.Now, Timeout: time.Second},
		Hooks:         hooks,
		NewID: func() string {
			return fmt.Sprintf("s%d", n.Add(1))
		},
	})
	return r, clock, rec
}

func TestKeyMachine_RejectsUnknownTransitions(t *testing.T) {
	m := newKeyMachine()
	_, err := m.Fire(EventPromoteBackup)
	assert.Error(t, err)
	assert.Equal(t, StateIdle, m.State())

	to, err := m.Fire(EventActivatePrimary)
	require.NoError(t, err)
	assert.Equal(t, StatePublishing, to)
	assert.False(t, m.Can(EventActivatePrimary))
	assert.True(t, m.Can(EventPromoteBackup))
}

func TestNewMachine_DuplicateTransition(t *testing.T) {
	_, err := NewMachine(StateIdle, []Transition[KeyState, KeyEvent]{
		{From: StateIdle, Event: EventEnd, To: StateIdle},
		{From: StateIdle, Event: EventEnd, To: StatePublishing},
	})
	assert.Error(t, err)
}

func TestRegister_SecondPrimaryIsKeyInUse(t *testing.T) {
	r, _, _ := newTestRegistry(t, Hooks{})

	first, err := r.Register("news", Meta{Protocol: media.ProtocolRTMP, Role: RolePrimary})
	require.NoError(t, err)
	assert.Equal(t, SlotActive, first.Slot())
	assert.Equal(t, StatePublishing, r.State("news"))

	_, err = r.Register("news", Meta{Protocol: media.ProtocolSRT, Role: RolePrimary})
	require.ErrorIs(t, err, media.ErrKeyInUse)

	// the original session is unaffected
	info, err := r.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, SlotActive, info.Slot)
	assert.Len(t, r.List(), 1)
}

func TestRegister_BackupJoinsAsStandby(t *testing.T) {
	r, _, _ := newTestRegistry(t, Hooks{})
	_, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	b, err := r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)
	assert.Equal(t, SlotStandby, b.Slot())

	_, err = r.Register("news", Meta{Role: RoleBackup})
	assert.ErrorIs(t, err, media.ErrKeyInUse)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, SlotActive, list[0].Slot)
	assert.Equal(t, SlotStandby, list[1].Slot)
}

func TestRegister_LoneBackupEntersFailover(t *testing.T) {
	var activated []string
	r, _, _ := newTestRegistry(t, Hooks{OnActivate: func(s *Session) { activated = append(activated, s.ID) }})
	b, err := r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)
	assert.Equal(t, SlotActive, b.Slot())
	assert.Equal(t, StateFailover, r.State("news"))
	assert.Equal(t, []string{b.ID}, activated)

	// a returning primary waits as standby behind the backup
	p, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	assert.Equal(t, SlotStandby, p.Slot())

	require.NoError(t, r.Failover("news"))
	assert.Equal(t, StatePublishing, r.State("news"))
	assert.True(t, p.IsActive())
	select {
	case <-b.Done():
	default:
		t.Fatal("previous active session must end on promotion")
	}
}

func TestTerminate_ActivePromotesStandby(t *testing.T) {
	var promoted [][2]string
	var terminated []media.ReasonCode
	r, _, rec := newTestRegistry(t, Hooks{
		OnPromote: func(old, next *Session) {
			assert.Equal(t, SlotActive, next.Slot())
			promoted = append(promoted, [2]string{old.ID, next.ID})
		},
		OnTerminate: func(s *Session, reason media.ReasonCode) { terminated = append(terminated, reason) },
	})
	p, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	b, err := r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)

	require.NoError(t, r.Terminate(p.ID, media.ReasonDisconnect))

	assert.Equal(t, [][2]string{{p.ID, b.ID}}, promoted)
	assert.Equal(t, []media.ReasonCode{media.ReasonDisconnect}, terminated)
	assert.Equal(t, StateFailover, r.State("news"))
	assert.True(t, b.IsActive())
	assert.ErrorIs(t, context.Cause(p.Context()), ErrTerminated)

	require.Eventually(t, func() bool { return len(rec.OfType(events.Failover)) == 1 }, time.Second, time.Millisecond)
	ev := rec.OfType(events.Failover)[0]
	assert.Equal(t, b.ID, ev.SessionID)
	assert.Equal(t, media.ReasonDisconnect, ev.Reason)

	// terminating again is a not-found
	assert.ErrorIs(t, r.Terminate(p.ID, media.ReasonDisconnect), media.ErrNotFound)

	require.NoError(t, r.Terminate(b.ID, media.ReasonEndOfStream))
	assert.Equal(t, StateIdle, r.State("news"))
	assert.Empty(t, r.List())
}

func TestPromote_RequiresStandby(t *testing.T) {
	r, _, _ := newTestRegistry(t, Hooks{})
	p, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Promote(p.ID), ErrNotStandby)
	assert.ErrorIs(t, r.Failover("news"), ErrNoStandby)

	b, err := r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)
	require.NoError(t, r.Promote(b.ID))
	assert.True(t, b.IsActive())
	assert.ErrorIs(t, r.Touch(p.ID, t0), media.ErrNotFound)
}

func TestSweep_HealthTimeout(t *testing.T) {
	r, clock, rec := newTestRegistry(t, Hooks{})
	p, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	b, err := r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)

	// both live at t=4s
	now := clock.Advance(4 * time.Second)
	p.Touch(now)
	b.Touch(now)
	r.Sweep(clock.Advance(4 * time.Second))
	assert.True(t, p.IsActive(), "within timeout")

	// primary goes silent, backup keeps sending
	for i := 0; i < 4; i++ {
		b.Touch(clock.Advance(time.Second))
	}
	r.Sweep(clock.Advance(time.Second))
	assert.True(t, b.IsActive(), "standby promoted after primary silence")
	assert.Equal(t, StateFailover, r.State("news"))
	assert.ErrorIs(t, context.Cause(p.Context()), media.ErrHealthTimeout)

	// lone active silent -> terminated
	r.Sweep(clock.Advance(10 * time.Second))
	assert.Equal(t, StateIdle, r.State("news"))
	require.Eventually(t, func() bool { return len(rec.OfType(events.SessionDisconnected)) == 2 }, time.Second, time.Millisecond)
	for _, ev := range rec.OfType(events.SessionDisconnected) {
		assert.Equal(t, media.ReasonHealthTimeout, ev.Reason)
	}
}

func TestSweep_SilentStandbyEnds(t *testing.T) {
	r, clock, _ := newTestRegistry(t, Hooks{})
	p, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	b, err := r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		p.Touch(clock.Advance(time.Second))
	}
	r.Sweep(clock.Now())
	assert.True(t, p.IsActive())
	assert.Equal(t, SlotEnded, b.Slot())
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r, _, _ := newTestRegistry(t, Hooks{})
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Register(fmt.Sprintf("ch%d", i%10), Meta{Role: RolePrimary})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	var ok, inUse int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, media.ErrKeyInUse):
			inUse++
		}
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 10, inUse)
}

func TestRegistry_CloseEndsEverything(t *testing.T) {
	r, _, _ := newTestRegistry(t, Hooks{})
	p, err := r.Register("news", Meta{Role: RolePrimary})
	require.NoError(t, err)
	_, err = r.Register("news", Meta{Role: RoleBackup})
	require.NoError(t, err)

	r.Close()
	assert.Empty(t, r.List())
	assert.Equal(t, StateIdle, r.State("news"))
	<-p.Done()
	_, err = r.Register("news", Meta{Role: RolePrimary})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistry_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := NewRegistry(Options{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestJournal_RecordsLifecycle(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, events.Event{Type: events.SessionConnected, SessionID: "a", ChannelID: "news", Protocol: media.ProtocolRTMP, Detail: "primary", At: t0}))
	require.NoError(t, j.Record(ctx, events.Event{Type: events.SessionConnected, SessionID: "b", ChannelID: "news", Protocol: media.ProtocolSRT, Detail: "backup", At: t0.Add(time.Second)}))
	require.NoError(t, j.Record(ctx, events.Event{Type: events.SessionDisconnected, SessionID: "a", ChannelID: "news", Reason: media.ReasonHealthTimeout, At: t0.Add(10 * time.Second)}))
	require.NoError(t, j.Record(ctx, events.Event{Type: events.Failover, SessionID: "b"}))

	hist, err := j.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "b", hist[0].ID)
	assert.Nil(t, hist[0].EndedAt)
	assert.Equal(t, "a", hist[1].ID)
	assert.Equal(t, RolePrimary, hist[1].Role)
	assert.Equal(t, media.ProtocolRTMP, hist[1].Protocol)
	require.NotNil(t, hist[1].EndedAt)
	assert.Equal(t, t0.Add(10*time.Second), *hist[1].EndedAt)
	assert.Equal(t, media.ReasonHealthTimeout, hist[1].Reason)
}

func TestJournal_RunFromBus(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	bus := events.NewMemoryBus()
	defer bus.Close()
	sub, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- j.Run(ctx, sub) }()

	r := NewRegistry(Options{Emitter: &events.Emitter{Bus: bus, Timeout: time.Second}})
	s, err := r.Register("news", Meta{Role: RolePrimary, Protocol: media.ProtocolRTMP})
	require.NoError(t, err)
	require.NoError(t, r.Terminate(s.ID, media.ReasonEndOfStream))

	require.Eventually(t, func() bool {
		hist, err := j.History(context.Background(), 10)
		return err == nil && len(hist) == 1 && hist[0].EndedAt != nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
