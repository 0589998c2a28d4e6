package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/pipeline"
	"github.com/wakeup/audiostudio/internal/protocol"
	"github.com/wakeup/audiostudio/internal/session"
)

type harness struct {
	store  *session.Store
	router *fakeRouter
	proc   *fakeProcessor
	coord  *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  session.NewStore(),
		router: newFakeRouter(),
		proc:   &fakeProcessor{},
	}
	h.coord = NewCoordinator(h.store, h.proc, h.router)
	t.Cleanup(h.coord.Close)
	return h
}

func bass(id string, gain float64) effect.Descriptor {
	return effect.Descriptor{ID: id, Type: effect.Bass, Parameters: map[string]float64{"gain": gain}}
}

func TestScenarioTwoParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.coord.Init(ctx, "collab1", []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, h.router.subscribed(id))

	// A adds a buffer with an empty chain: both receive it unmodified.
	require.NoError(t, h.coord.AddBuffer(ctx, id, "A", []byte("raw-a")))
	for _, user := range []string{"A", "B"} {
		got := h.router.received(user, false)
		require.Len(t, got, 1, user)
		assert.Equal(t, protocol.EvSyncBufferAdded, got[0].msg.Event)
		added := got[0].msg.Data.(protocol.BufferAdded)
		assert.Equal(t, []byte("raw-a"), added.Buffer)
		assert.Nil(t, added.ProcessedBuffer)
		assert.Equal(t, "A", added.UserID)
	}
	assert.Empty(t, h.proc.Calls(), "empty chain must not invoke the pipeline")
	h.router.reset()

	// B updates the effect: A gets a private processed buffer, B nothing for
	// that slot, both get the new chain.
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))

	gotA := h.router.received("A", false)
	require.Len(t, gotA, 2)
	assert.Equal(t, protocol.EvSyncBufferProcessed, gotA[0].msg.Event)
	assert.True(t, gotA[0].private)
	assert.Equal(t, []byte("fx[e1:bass]raw-a"), gotA[0].msg.Data.(protocol.BufferProcessed).ProcessedBuffer)
	assert.Equal(t, protocol.EvSyncEffectUpdated, gotA[1].msg.Event)

	gotB := h.router.received("B", false)
	require.Len(t, gotB, 1)
	assert.Equal(t, protocol.EvSyncEffectUpdated, gotB[0].msg.Event)
	updated := gotB[0].msg.Data.(protocol.EffectUpdated)
	require.Len(t, updated.Effects, 1)
	assert.Equal(t, "e1", updated.Effects[0].ID)
	h.router.reset()

	// A leaves: B is the sole participant.
	require.NoError(t, h.coord.Leave(ctx, id, "A"))
	state, ok := h.coord.GetState(id)
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, state.Participants)
	assert.Empty(t, state.Buffers)
	assert.Equal(t, []protocol.Event{protocol.EvSyncBufferRemoved}, h.router.events("B"))

	// B leaves: the session is torn down.
	require.NoError(t, h.coord.Leave(ctx, id, "B"))
	_, ok = h.coord.GetState(id)
	assert.False(t, ok)
	_, syncs := h.store.Count()
	assert.Equal(t, 0, syncs)
	assert.Equal(t, []protocol.Event{
		protocol.EvSyncBufferRemoved,
		protocol.EvSyncBufferRemoved,
		protocol.EvSyncSessionEnded,
	}, h.router.events("B"))
	assert.Empty(t, h.router.subscribed(id))

	assert.ErrorIs(t, h.coord.Join(ctx, id, "C"), ErrNotFound)
}

func TestUpdateEffectUpsertsByID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A"})
	require.NoError(t, err)

	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))
	require.NoError(t, h.coord.UpdateEffect(ctx, id, effect.Descriptor{ID: "e2", Type: effect.Echo}))
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", -3)))

	state, ok := h.coord.GetState(id)
	require.True(t, ok)
	require.Len(t, state.Effects, 2)
	assert.Equal(t, "e1", state.Effects[0].ID)
	assert.Equal(t, -3.0, state.Effects[0].Gain())
	assert.Equal(t, "e2", state.Effects[1].ID)
}

func TestUpdateEffectRejectsInvalidDescriptor(t *testing.T) {
	h := newHarness(t)
	id, err := h.coord.Init(context.Background(), "c", []string{"A"})
	require.NoError(t, err)

	err = h.coord.UpdateEffect(context.Background(), id, effect.Descriptor{ID: "x", Type: "chorus"})
	var verr *effect.ValidationError
	assert.ErrorAs(t, err, &verr)

	state, _ := h.coord.GetState(id)
	assert.Empty(t, state.Effects)
}

func TestJoinThenGetState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A"})
	require.NoError(t, err)

	playing := true
	at := 12.5
	require.NoError(t, h.coord.UpdatePlaybackState(ctx, id, session.PlaybackPatch{IsPlaying: &playing, CurrentTime: &at}))
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))
	require.NoError(t, h.coord.Join(ctx, id, "C"))

	state, ok := h.coord.GetState(id)
	require.True(t, ok)
	assert.Contains(t, state.Participants, "C")
	assert.True(t, state.State.IsPlaying)
	assert.Equal(t, 12.5, state.State.CurrentTime)
	require.Len(t, state.Effects, 1)
	assert.Equal(t, bass("e1", 5), state.Effects[0])

	got := h.router.received("C", false)
	require.Len(t, got, 1)
	assert.True(t, got[0].private)
	assert.Equal(t, protocol.EvSyncState, got[0].msg.Event)
	snap := got[0].msg.Data.(protocol.SyncState).State
	assert.Equal(t, state.Participants, snap.Participants)
	assert.Equal(t, state.State, snap.State)
	assert.Contains(t, h.router.subscribed(id), "C")
}

func TestPlaybackLastWriterWins(t *testing.T) {
	h := newHarness(t)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.coord = NewCoordinator(h.store, h.proc, h.router, WithClock(func() time.Time { return clock }))
	t.Cleanup(h.coord.Close)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)

	first, second := 10.0, 4.0
	playing := true
	require.NoError(t, h.coord.UpdatePlaybackState(ctx, id, session.PlaybackPatch{CurrentTime: &first, IsPlaying: &playing}))
	clock = clock.Add(time.Second)
	require.NoError(t, h.coord.UpdatePlaybackState(ctx, id, session.PlaybackPatch{CurrentTime: &second}))

	state, _ := h.coord.GetState(id)
	assert.Equal(t, 4.0, state.State.CurrentTime)
	assert.True(t, state.State.IsPlaying, "fields absent from a patch are kept")
	assert.Equal(t, clock, state.State.LastUpdate)

	got := h.router.received("B", false)
	require.Len(t, got, 2)
	assert.Equal(t, 4.0, got[1].msg.Data.(protocol.StateUpdated).State.CurrentTime)
}

func TestAddBufferProcessesThroughChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))
	h.router.reset()

	require.NoError(t, h.coord.AddBuffer(ctx, id, "B", []byte("raw-b")))

	for _, user := range []string{"A", "B"} {
		all := h.router.received(user, true)
		var stages []string
		var added *protocol.BufferAdded
		for _, d := range all {
			switch d.msg.Event {
			case protocol.EvProcessingStatus:
				assert.False(t, d.private, "addBuffer progress is session-wide")
				stages = append(stages, d.msg.Data.(protocol.ProcessingStatus).Status)
			case protocol.EvSyncBufferAdded:
				b := d.msg.Data.(protocol.BufferAdded)
				added = &b
			}
		}
		assert.Equal(t, []string{"queued", "processing", "processing", "completed"}, stages, user)
		require.NotNil(t, added, user)
		assert.Equal(t, []byte("fx[e1:bass]raw-b"), added.ProcessedBuffer)
		assert.Nil(t, added.Buffer)
	}
}

func TestAddBufferFailureIsSessionWide(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))
	h.router.reset()

	err = h.coord.AddBuffer(ctx, id, "A", []byte("bad-audio"))
	var perr *pipeline.PipelineError
	require.ErrorAs(t, err, &perr)

	for _, user := range []string{"A", "B"} {
		got := h.router.received(user, false)
		require.Len(t, got, 1, user)
		assert.Equal(t, protocol.EvSyncError, got[0].msg.Event)
		assert.False(t, got[0].private)
		payload := got[0].msg.Data.(protocol.ErrorPayload)
		assert.Equal(t, protocol.CodePipeline, payload.Code)
		assert.Contains(t, payload.Error, "Invalid data")
	}
}

func TestUpdateEffectFailureIsPrivate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)
	require.NoError(t, h.coord.AddBuffer(ctx, id, "A", []byte("bad-a")))
	require.NoError(t, h.coord.AddBuffer(ctx, id, "B", []byte("good-b")))
	h.router.reset()

	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))

	assert.Equal(t, []string{"apply:bad-a", "apply:good-b"}, h.proc.Calls(), "buffers processed in user order")

	gotA := h.router.received("A", false)
	require.Len(t, gotA, 2)
	assert.Equal(t, protocol.EvSyncError, gotA[0].msg.Event)
	assert.True(t, gotA[0].private)
	assert.Equal(t, protocol.EvSyncEffectUpdated, gotA[1].msg.Event)

	gotB := h.router.received("B", false)
	require.Len(t, gotB, 2)
	assert.Equal(t, protocol.EvSyncBufferProcessed, gotB[0].msg.Event)
	assert.Equal(t, protocol.EvSyncEffectUpdated, gotB[1].msg.Event)

	for _, d := range h.router.received("B", true) {
		if d.msg.Event == protocol.EvProcessingStatus {
			assert.True(t, d.private, "updateEffect progress is private")
		}
	}
}

func TestBufferOperationsRequireParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A"})
	require.NoError(t, err)

	assert.ErrorIs(t, h.coord.AddBuffer(ctx, id, "Z", []byte("x")), ErrForbidden)
	assert.ErrorIs(t, h.coord.RemoveBuffer(ctx, id, "Z"), ErrForbidden)
	assert.ErrorIs(t, h.coord.Leave(ctx, id, "Z"), ErrForbidden)
	assert.False(t, h.coord.IsParticipant(id, "Z"))
	assert.True(t, h.coord.IsParticipant(id, "A"))
}

func TestRemoveBufferBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)
	require.NoError(t, h.coord.AddBuffer(ctx, id, "A", []byte("a")))
	h.router.reset()

	require.NoError(t, h.coord.RemoveBuffer(ctx, id, "A"))
	assert.Equal(t, []protocol.Event{protocol.EvSyncBufferRemoved}, h.router.events("B"))
	state, _ := h.coord.GetState(id)
	assert.Empty(t, state.Buffers)
	assert.Equal(t, []string{"A", "B"}, state.Participants, "removing a buffer keeps the participant")
}

func TestMissingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.coord.Join(ctx, "sync_nope", "A"), ErrNotFound)
	assert.ErrorIs(t, h.coord.Leave(ctx, "sync_nope", "A"), ErrNotFound)
	assert.ErrorIs(t, h.coord.UpdatePlaybackState(ctx, "sync_nope", session.PlaybackPatch{}), ErrNotFound)
	assert.ErrorIs(t, h.coord.UpdateEffect(ctx, "sync_nope", bass("e", 1)), ErrNotFound)
	assert.ErrorIs(t, h.coord.AddBuffer(ctx, "sync_nope", "A", []byte("x")), ErrNotFound)
	assert.ErrorIs(t, h.coord.RemoveBuffer(ctx, "sync_nope", "A"), ErrNotFound)
	assert.ErrorIs(t, h.coord.End(ctx, "sync_nope"), ErrNotFound)
	_, ok := h.coord.GetState("sync_nope")
	assert.False(t, ok)
}

func TestInitRequiresParticipants(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Init(context.Background(), "c", nil)
	var verr *effect.ValidationError
	assert.ErrorAs(t, err, &verr)
	studios, syncs := h.store.Count()
	assert.Zero(t, studios+syncs)
}

func TestEndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)

	require.NoError(t, h.coord.End(ctx, id))
	assert.ErrorIs(t, h.coord.End(ctx, id), ErrNotFound)
	assert.Equal(t, []protocol.Event{protocol.EvSyncSessionEnded}, h.router.events("A"))
}

func TestOperationsSerializedPerSession(t *testing.T) {
	h := newHarness(t)
	h.proc.gate = make(chan struct{})
	h.proc.entered = make(chan struct{}, 1)
	ctx := context.Background()

	busy, err := h.coord.Init(ctx, "c1", []string{"A"})
	require.NoError(t, err)
	other, err := h.coord.Init(ctx, "c2", []string{"B"})
	require.NoError(t, err)
	require.NoError(t, h.coord.UpdateEffect(ctx, busy, bass("e1", 5)))

	addDone := make(chan error, 1)
	go func() { addDone <- h.coord.AddBuffer(ctx, busy, "A", []byte("a")) }()
	<-h.proc.entered

	stateDone := make(chan error, 1)
	at := 3.0
	go func() {
		stateDone <- h.coord.UpdatePlaybackState(ctx, busy, session.PlaybackPatch{CurrentTime: &at})
	}()

	// Another session proceeds while the first is busy.
	require.NoError(t, h.coord.UpdatePlaybackState(ctx, other, session.PlaybackPatch{CurrentTime: &at}))

	select {
	case <-stateDone:
		t.Fatal("update on a busy session completed before the in-flight run")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.proc.gate)
	require.NoError(t, <-addDone)
	require.NoError(t, <-stateDone)

	evs := h.router.events("A")
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, protocol.EvSyncBufferAdded, evs[len(evs)-2])
	assert.Equal(t, protocol.EvSyncStateUpdated, evs[len(evs)-1])
}

func TestEndWaitsForInflightRun(t *testing.T) {
	h := newHarness(t)
	h.proc.gate = make(chan struct{})
	h.proc.entered = make(chan struct{}, 1)
	ctx := context.Background()

	id, err := h.coord.Init(ctx, "c", []string{"A", "B"})
	require.NoError(t, err)
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))

	addDone := make(chan error, 1)
	go func() { addDone <- h.coord.AddBuffer(ctx, id, "A", []byte("a")) }()
	<-h.proc.entered

	endDone := make(chan error, 1)
	go func() { endDone <- h.coord.End(ctx, id) }()

	select {
	case <-endDone:
		t.Fatal("end completed while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	_, ok := h.coord.GetState(id)
	assert.True(t, ok, "session must survive until the run finishes")

	close(h.proc.gate)
	require.NoError(t, <-addDone)
	require.NoError(t, <-endDone)

	evs := h.router.events("B")
	require.GreaterOrEqual(t, len(evs), 2)
	assert.Equal(t, protocol.EvSyncBufferAdded, evs[len(evs)-2])
	assert.Equal(t, protocol.EvSyncSessionEnded, evs[len(evs)-1])
	_, ok = h.coord.GetState(id)
	assert.False(t, ok)
}

func TestCallerContextEndsWhileQueued(t *testing.T) {
	h := newHarness(t)
	h.proc.gate = make(chan struct{})
	h.proc.entered = make(chan struct{}, 1)
	ctx := context.Background()

	id, err := h.coord.Init(ctx, "c", []string{"A"})
	require.NoError(t, err)
	require.NoError(t, h.coord.UpdateEffect(ctx, id, bass("e1", 5)))

	addDone := make(chan error, 1)
	go func() { addDone <- h.coord.AddBuffer(ctx, id, "A", []byte("a")) }()
	<-h.proc.entered

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	at := 1.0
	err = h.coord.UpdatePlaybackState(short, id, session.PlaybackPatch{CurrentTime: &at})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	close(h.proc.gate)
	require.NoError(t, <-addDone)
	s, ok := h.store.Sync(id)
	require.True(t, ok)
	require.NoError(t, s.Queue().Wait(ctx))
	state, _ := h.coord.GetState(id)
	assert.Equal(t, 1.0, state.State.CurrentTime, "an abandoned request still applies in its turn")
}
