package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"twitch-chat-relay/backoff"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/model"
)

func messageRecord(t *testing.T, ev model.ChatEvent) string {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return fmt.Sprintf("id: %d\nevent: message\ndata: %s\n\n", ev.Sequence, data)
}

func heartbeatRecord(t *testing.T, current int64) string {
	t.Helper()
	data, err := json.Marshal(model.Heartbeat{Timestamp: 1, CurrentSequence: current, ActiveChannels: []string{"foo"}})
	require.NoError(t, err)
	return fmt.Sprintf("event: heartbeat\ndata: %s\n\n", data)
}

// streamServer отдаёт по одному сценарию на каждое подключение и запоминает запросы.
type streamServer struct {
	mu       sync.Mutex
	queries  []string
	scripts  []string
	holdOpen bool
}

func (s *streamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	index := len(s.queries)
	s.queries = append(s.queries, r.URL.RawQuery)
	script := ""
	if index < len(s.scripts) {
		script = s.scripts[index]
	}
	hold := s.holdOpen && index == len(s.scripts)-1
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "retry: 10\n\n", script)
	_ = http.NewResponseController(w).Flush()

	if hold {
		<-r.Context().Done()
	}
}

func (s *streamServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

func fastPolicy(attempts int) backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: attempts}
}

func collect(t *testing.T, events <-chan Event, until func(Event) bool) []Event {
	t.Helper()

	var out []Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
			if until(ev) {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out, collected %d events", len(out))
			return out
		}
	}
}

func withoutStates(events []Event) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.Kind != EventState {
			out = append(out, ev)
		}
	}
	return out
}

func TestObserveGapDetection(t *testing.T) {
	cases := []struct {
		name    string
		last    int64
		seq     int64
		message bool
		gap     bool
		after   int64
	}{
		{"next message", 5, 6, true, false, 6},
		{"same message", 5, 5, true, false, 5},
		{"older message", 5, 3, true, false, 5},
		{"message gap", 5, 8, true, true, 8},
		{"heartbeat caught up", 5, 5, false, false, 5},
		{"heartbeat one ahead", 5, 6, false, false, 5},
		{"heartbeat gap", 5, 9, false, true, 9},
		{"heartbeat behind resets", 5, 3, false, false, 3},
		{"empty server heartbeat resets", 5, 0, false, false, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(ReaderConfig{}, zerolog.Nop())
			r.Seed(tc.last)

			gap, ok := r.observe(tc.seq, tc.message)
			require.Equal(t, tc.gap, ok)
			if ok {
				require.Equal(t, Gap{From: tc.last, To: tc.seq}, gap)
			}

			last, _ := r.LastSequence()
			require.Equal(t, tc.after, last)

			// повторное наблюдение того же номера пропуск не даёт
			_, again := r.observe(tc.seq, tc.message)
			require.False(t, again)
		})
	}
}

func TestObserveUnknownLastSequence(t *testing.T) {
	r := NewReader(ReaderConfig{}, zerolog.Nop())

	_, ok := r.observe(10, false)
	require.False(t, ok)
	_, known := r.LastSequence()
	require.False(t, known)

	_, ok = r.observe(12, true)
	require.False(t, ok)
	last, known := r.LastSequence()
	require.True(t, known)
	require.Equal(t, int64(12), last)
}

func TestRewindReopensGap(t *testing.T) {
	r := NewReader(ReaderConfig{}, zerolog.Nop())
	r.Seed(8)

	r.Rewind(5)
	r.Rewind(7)
	last, _ := r.LastSequence()
	require.Equal(t, int64(5), last)

	gap, ok := r.observe(8, false)
	require.True(t, ok)
	require.Equal(t, Gap{From: 5, To: 8}, gap)
}

func TestReaderSignalsGapBeforeMessage(t *testing.T) {
	srv := &streamServer{
		holdOpen: true,
		scripts: []string{
			messageRecord(t, seqEvent(5)) +
				"event: message\ndata: {broken\n\n" +
				messageRecord(t, seqEvent(8)) +
				heartbeatRecord(t, 8),
		},
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	r := NewReader(ReaderConfig{BaseURL: ts.URL, Policy: fastPolicy(3)}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	got := withoutStates(collect(t, r.Events(), func(ev Event) bool { return ev.Kind == EventHeartbeat }))

	require.Len(t, got, 4)
	require.Equal(t, EventMessage, got[0].Kind)
	require.Equal(t, int64(5), got[0].Message.Sequence)
	require.Equal(t, EventGap, got[1].Kind)
	require.Equal(t, Gap{From: 5, To: 8}, got[1].Gap)
	require.Equal(t, EventMessage, got[2].Kind)
	require.Equal(t, int64(8), got[2].Message.Sequence)
	require.Equal(t, EventHeartbeat, got[3].Kind)
	require.Equal(t, StateOpen, r.State())
}

func TestReaderResumesWithLastSequence(t *testing.T) {
	srv := &streamServer{
		holdOpen: true,
		scripts: []string{
			messageRecord(t, seqEvent(3)),
			messageRecord(t, seqEvent(4)),
		},
	}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	filter := fanout.ParseFilter("foo", "bar")
	r := NewReader(ReaderConfig{BaseURL: ts.URL, Filter: filter, Policy: fastPolicy(3)}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	seen := 0
	collect(t, r.Events(), func(ev Event) bool {
		if ev.Kind == EventMessage {
			seen++
		}
		return seen == 2
	})

	queries := srv.requests()
	require.Len(t, queries, 2)
	require.Equal(t, "channels=foo&exclude=bar", queries[0])
	require.Equal(t, "channels=foo&exclude=bar&lastSequence=3", queries[1])
}

func TestReaderFailsAfterMaxAttempts(t *testing.T) {
	var calls int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	r := NewReader(ReaderConfig{BaseURL: ts.URL, Policy: fastPolicy(2)}, zerolog.Nop())
	err := r.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectFailed)
	require.Equal(t, StateFailed, r.State())

	var failed int
	for ev := range r.Events() {
		if ev.Kind == EventFailed {
			failed++
			require.ErrorIs(t, ev.Err, ErrReconnectFailed)
		}
	}
	require.Equal(t, 1, failed)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, calls)
}

func TestReaderStopsOnCancel(t *testing.T) {
	srv := &streamServer{holdOpen: true, scripts: []string{""}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	r := NewReader(ReaderConfig{BaseURL: ts.URL, Policy: fastPolicy(3)}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	collect(t, r.Events(), func(ev Event) bool { return ev.Kind == EventState && ev.State == StateOpen })
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	require.Equal(t, StateClosed, r.State())
}
