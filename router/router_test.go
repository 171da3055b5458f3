package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
	"github.com/hupe1980/flowmesh/session"
)

var t0 = time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

func newRouter(t *testing.T, handler core.BotHandler, optFns ...func(o *Options)) (*Router, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(t0)
	sessions := session.NewInMemoryStore(func(o *session.Options) { o.Now = func() time.Time { return clock.Advance(time.Second) } })
	opts := append([]func(o *Options){func(o *Options) { o.Now = clock.Now }}, optFns...)
	return New(sessions, handler, opts...), clock
}

func names(bots []core.SessionBot) []string {
	out := make([]string, len(bots))
	for i, b := range bots {
		out[i] = b.Name()
	}
	return out
}

func TestRouter_PriorityOrder(t *testing.T) {
	ctx := context.Background()
	r, _ := newRouter(t, testutil.NewRecordingHandler())

	_, err := r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "low").Priority(5).Bot())
	require.NoError(t, err)
	_, err = r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "high").Priority(10).Bot())
	require.NoError(t, err)

	got, err := r.Route(ctx, Inbound{SessionID: "s1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, names(got))
}

func TestRouter_TieBreakByJoinOrderAndDeterminism(t *testing.T) {
	ctx := context.Background()
	r, _ := newRouter(t, testutil.NewRecordingHandler())
	for _, n := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", n).Priority(1).Bot())
		require.NoError(t, err)
	}

	first, err := r.Route(ctx, Inbound{SessionID: "s1", Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names(first))

	for i := 0; i < 10; i++ {
		again, err := r.Route(ctx, Inbound{SessionID: "s1", Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, names(first), names(again))
	}
}

func TestRouter_TriggerKinds(t *testing.T) {
	ctx := context.Background()
	r, _ := newRouter(t, testutil.NewRecordingHandler())
	join := func(b *testutil.SessionBotBuilder) {
		_, err := r.Join(ctx, "s1", b.Bot())
		require.NoError(t, err)
	}
	join(testutil.NewSessionBotBuilder("s1", "pricing").Keywords("Price", "quote"))
	join(testutil.NewSessionBotBuilder("s1", "calc").Tool("Calculator"))
	join(testutil.NewSessionBotBuilder("s1", "morning").Schedule("30 9 * * *"))
	join(testutil.NewSessionBotBuilder("s1", "shipper").OnEvent("order_paid"))

	tests := []struct {
		name string
		in   Inbound
		want []string
	}{
		{"keyword case-insensitive", Inbound{SessionID: "s1", Text: "what is the PRICE?", At: t0.Add(time.Hour)}, []string{"pricing"}},
		{"tool", Inbound{SessionID: "s1", Tool: "calculator", At: t0.Add(time.Hour)}, []string{"calc"}},
		{"schedule minute", Inbound{SessionID: "s1", At: t0.Add(42 * time.Second)}, []string{"morning"}},
		{"schedule miss", Inbound{SessionID: "s1", At: t0.Add(time.Minute)}, []string{}},
		{"event", Inbound{SessionID: "s1", Event: "order_paid", At: t0.Add(time.Hour)}, []string{"shipper"}},
		{"nothing", Inbound{SessionID: "s1", Text: "hi", At: t0.Add(time.Hour)}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Route(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestRouter_SessionOverrideTrigger(t *testing.T) {
	ctx := context.Background()
	r, _ := newRouter(t, testutil.NewRecordingHandler())
	override := core.Trigger{Kind: core.TriggerKeyword, Keywords: []string{"refund"}}
	_, err := r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "billing").Bot(), func(o *session.JoinOptions) { o.Trigger = &override })
	require.NoError(t, err)

	got, err := r.Route(ctx, Inbound{SessionID: "s1", Text: "hello"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Route(ctx, Inbound{SessionID: "s1", Text: "I want a refund"})
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, names(got))
}

func TestRouter_JoinRejectsBadSchedule(t *testing.T) {
	r, _ := newRouter(t, testutil.NewRecordingHandler())
	_, err := r.Join(context.Background(), "s1", testutil.NewSessionBotBuilder("s1", "bad").Schedule("every day").Bot())
	assert.Error(t, err)
}

func TestRouter_DispatchRecordsResponses(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewRecordingHandler().
		Reply("high", "from high", nil).
		Fail("broken", errors.New("boom"))
	transport := &testutil.RecordingTransport{}
	r, _ := newRouter(t, h, func(o *Options) { o.Transport = transport })

	_, err := r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "low").Priority(1).Bot())
	require.NoError(t, err)
	_, err = r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "broken").Priority(5).Bot())
	require.NoError(t, err)
	_, err = r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "high").Priority(10).Bot())
	require.NoError(t, err)

	responses, err := r.Dispatch(ctx, Inbound{SessionID: "s1", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, responses, 3)
	assert.Equal(t, "high", responses[0].Bot)
	assert.Error(t, responses[1].Err)
	assert.Equal(t, "low done", responses[2].Output.Text)

	assert.Equal(t, []string{"high", "broken", "low"}, h.Bots())
	assert.Equal(t, []string{"from high", "low done"}, transport.Texts())

	transcript := r.sessions.Transcript("s1")
	require.Len(t, transcript, 3)
	assert.Equal(t, "user", transcript[0].Author)
	assert.Equal(t, "high", transcript[1].Author)
}

func TestRouter_HandleEventAndTick(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewRecordingHandler()
	r, _ := newRouter(t, h)

	_, err := r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "always").Bot())
	require.NoError(t, err)
	_, err = r.Join(ctx, "s1", testutil.NewSessionBotBuilder("s1", "shipper").OnEvent("order_paid").Bot())
	require.NoError(t, err)
	_, err = r.Join(ctx, "s2", testutil.NewSessionBotBuilder("s2", "nightly").Schedule("@daily").Bot())
	require.NoError(t, err)

	require.NoError(t, r.HandleEvent(ctx, core.Event{Name: "order_paid"}))
	assert.Equal(t, []string{"shipper"}, h.Bots())

	require.NoError(t, r.Tick(ctx, time.Date(2025, 6, 3, 0, 0, 10, 0, time.UTC)))
	assert.Equal(t, []string{"shipper", "nightly"}, h.Bots())
}
