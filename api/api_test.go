package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"twitch-chat-relay/buffer"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/model"
	"twitch-chat-relay/twitch"
)

type stubUpstream struct {
	mu       sync.Mutex
	channels []string
}

func (s *stubUpstream) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.channels)
}

func (s *stubUpstream) AddChannel(_ context.Context, ch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.channels, ch) {
		return twitch.ErrChannelExists
	}
	s.channels = append(s.channels, ch)
	return nil
}

func (s *stubUpstream) RemoveChannel(ch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.channels, ch)
	if i < 0 {
		return twitch.ErrChannelNotFound
	}
	s.channels = slices.Delete(s.channels, i, i+1)
	return nil
}

func (s *stubUpstream) State() twitch.State { return twitch.StateConnected }
func (s *stubUpstream) Connected() bool     { return true }

type fixture struct {
	srv      *httptest.Server
	buf      *buffer.Buffer
	fan      *fanout.Manager
	upstream *stubUpstream
}

func newFixture(t *testing.T, maxSize int) *fixture {
	t.Helper()

	buf := buffer.New(buffer.Config{MaxSize: maxSize, TTL: time.Hour})
	fan := fanout.NewManager(buf, fanout.Config{HeartbeatInterval: time.Hour, RetryMs: 3000, QueueSize: 16}, zerolog.Nop())
	upstream := &stubUpstream{channels: []string{"foo", "bar"}}

	srv := httptest.NewServer(NewServer(upstream, buf, fan, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, buf: buf, fan: fan, upstream: upstream}
}

func (f *fixture) add(channels ...string) {
	for _, ch := range channels {
		ev := f.buf.Add(model.ChatEvent{Channel: ch, Username: "u", Text: "t", Timestamp: time.Now().UnixMilli()})
		f.fan.Broadcast(ev)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func doJSON(t *testing.T, method, url, body string, wantStatus int, out any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func sequencesOf(events []model.ChatEvent) []int64 {
	out := make([]int64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Sequence)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 10)

	var body map[string]any
	getJSON(t, f.srv.URL+"/api/health", http.StatusOK, &body)
	require.Equal(t, "ok", body["status"])
	require.Contains(t, body, "uptime")
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 10)
	f.add("foo", "foo")

	var body statusResponse
	getJSON(t, f.srv.URL+"/api/status", http.StatusOK, &body)
	require.True(t, body.Twitch.Connected)
	require.Equal(t, "connected", body.Twitch.State)
	require.Equal(t, []string{"foo", "bar"}, body.Twitch.Channels)
	require.Equal(t, 2, body.Buffer.TotalMessages)
	require.Equal(t, int64(2), body.Buffer.CurrentSequence)
	require.Equal(t, 0, body.SSE.ConnectedClients)
}

func TestHistoryFiltersAndLimits(t *testing.T) {
	f := newFixture(t, 10)
	f.add("foo", "bar", "foo", "baz", "foo")

	var all historyResponse
	getJSON(t, f.srv.URL+"/api/messages/history?limit=2", http.StatusOK, &all)
	require.Equal(t, 5, all.Total)
	require.Equal(t, 2, all.Returned)
	require.Equal(t, []int64{4, 5}, sequencesOf(all.Messages))

	var filtered historyResponse
	getJSON(t, f.srv.URL+"/api/messages/history?channels=foo,bar&exclude=bar", http.StatusOK, &filtered)
	require.Equal(t, []int64{1, 3, 5}, sequencesOf(filtered.Messages))

	var channel historyResponse
	getJSON(t, f.srv.URL+"/api/messages/history/FOO?limit=1", http.StatusOK, &channel)
	require.Equal(t, "foo", channel.Channel)
	require.Equal(t, 3, channel.Total)
	require.Equal(t, []int64{5}, sequencesOf(channel.Messages))
}

func TestSyncReturnsMissedEvents(t *testing.T) {
	f := newFixture(t, 3)
	f.add("foo", "foo", "foo", "bar", "foo")
	// в буфере 3..5

	var body model.SyncResponse
	getJSON(t, f.srv.URL+"/api/messages/sync?lastSequence=3", http.StatusOK, &body)
	require.Equal(t, int64(5), body.CurrentSequence)
	require.Equal(t, int64(3), body.OldestSequence)
	require.Equal(t, int64(3), body.LastSequence)
	require.Equal(t, 2, body.MissedCount)
	require.Equal(t, []int64{4, 5}, sequencesOf(body.Messages))

	var filtered model.SyncResponse
	getJSON(t, f.srv.URL+"/api/messages/sync?lastSequence=1&exclude=bar", http.StatusOK, &filtered)
	require.Equal(t, []int64{3, 5}, sequencesOf(filtered.Messages))
	require.Equal(t, 2, filtered.MissedCount)
}

func TestSyncValidatesLastSequence(t *testing.T) {
	f := newFixture(t, 3)

	var body map[string]string
	getJSON(t, f.srv.URL+"/api/messages/sync", http.StatusBadRequest, &body)
	require.Equal(t, "lastSequence parameter is required", body["error"])

	getJSON(t, f.srv.URL+"/api/messages/sync?lastSequence=abc", http.StatusBadRequest, &body)
	require.Equal(t, "lastSequence must be a valid number", body["error"])
}

func TestRange(t *testing.T) {
	f := newFixture(t, 10)
	f.add("foo", "foo", "foo", "foo")

	var body model.RangeResponse
	getJSON(t, f.srv.URL+"/api/messages/range?from=2&to=3", http.StatusOK, &body)
	require.Equal(t, int64(2), body.From)
	require.Equal(t, int64(3), body.To)
	require.Equal(t, 2, body.Count)
	require.Equal(t, []int64{2, 3}, sequencesOf(body.Messages))

	cases := map[string]string{
		"/api/messages/range?from=1":        "from and to parameters are required",
		"/api/messages/range?from=x&to=2":   "from and to must be valid numbers",
		"/api/messages/range?from=3&to=2":   "from must be less than or equal to to",
		"/api/messages/range?from=1&to=2.5": "from and to must be valid numbers",
	}
	for path, want := range cases {
		var errBody map[string]string
		getJSON(t, f.srv.URL+path, http.StatusBadRequest, &errBody)
		require.Equal(t, want, errBody["error"], path)
	}
}

func TestChannelsCRUD(t *testing.T) {
	f := newFixture(t, 10)
	f.add("foo", "foo", "bar")

	var list struct {
		Channels []channelInfo `json:"channels"`
	}
	getJSON(t, f.srv.URL+"/api/channels", http.StatusOK, &list)
	require.Equal(t, []channelInfo{
		{Name: "foo", Connected: true, MessageCount: 2},
		{Name: "bar", Connected: true, MessageCount: 1},
	}, list.Channels)

	var added channelsResponse
	doJSON(t, http.MethodPost, f.srv.URL+"/api/channels", `{"channels":["#Baz","foo"]}`, http.StatusOK, &added)
	require.True(t, added.Success)
	require.Equal(t, []string{"foo", "bar", "baz"}, added.Channels)

	doJSON(t, http.MethodPost, f.srv.URL+"/api/channels", `{"channel":"qux"}`, http.StatusOK, &added)
	require.Equal(t, []string{"foo", "bar", "baz", "qux"}, added.Channels)

	doJSON(t, http.MethodPost, f.srv.URL+"/api/channels", `{"channel":"  "}`, http.StatusBadRequest, nil)
	doJSON(t, http.MethodPost, f.srv.URL+"/api/channels", `not json`, http.StatusBadRequest, nil)

	var removed channelsResponse
	doJSON(t, http.MethodDelete, f.srv.URL+"/api/channels/BAR", "", http.StatusOK, &removed)
	require.Equal(t, []string{"foo", "baz", "qux"}, removed.Channels)
	doJSON(t, http.MethodDelete, f.srv.URL+"/api/channels/bar", "", http.StatusNotFound, nil)

	var stats map[string]any
	getJSON(t, f.srv.URL+"/api/channels/foo/stats", http.StatusOK, &stats)
	require.Equal(t, "foo", stats["channel"])
	require.Equal(t, float64(2), stats["messageCount"])
	require.Equal(t, true, stats["connected"])

	getJSON(t, f.srv.URL+"/api/channels/bar/stats", http.StatusOK, &stats)
	require.Equal(t, false, stats["connected"])
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, 10)

	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/channels", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 10)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamThroughRouter(t *testing.T) {
	f := newFixture(t, 10)
	f.add("foo", "bar", "foo")

	resp, err := http.Get(f.srv.URL + "/api/chat/stream?lastSequence=1&channels=foo")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	var ids []string
	for len(ids) < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if id, ok := strings.CutPrefix(strings.TrimSpace(line), "id: "); ok {
			ids = append(ids, id)
			if len(ids) == 1 {
				f.add("bar", "foo")
			}
		}
	}
	require.Equal(t, []string{"3", "5"}, ids)
}
