// Package api отдаёт HTTP интерфейс ретранслятора: поток SSE, историю, догрузку и управление каналами.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"twitch-chat-relay/buffer"
	"twitch-chat-relay/config"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/model"
	"twitch-chat-relay/twitch"
)

const defaultHistoryLimit = 100

// Upstream описывает управление каналами и состояние Twitch клиента.
type Upstream interface {
	Channels() []string
	AddChannel(ctx context.Context, channel string) error
	RemoveChannel(channel string) error
	State() twitch.State
	Connected() bool
}

// Server собирает маршруты поверх буфера, менеджера рассылки и Twitch клиента.
type Server struct {
	upstream Upstream
	buf      *buffer.Buffer
	fan      *fanout.Manager
	log      zerolog.Logger
	started  time.Time
	router   chi.Router
}

// NewServer создаёт сервер и регистрирует маршруты.
func NewServer(upstream Upstream, buf *buffer.Buffer, fan *fanout.Manager, log zerolog.Logger) *Server {
	s := &Server{
		upstream: upstream,
		buf:      buf,
		fan:      fan,
		log:      log.With().Str("component", "api").Logger(),
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler возвращает корневой http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Use(s.requestLog)

	r.Get("/api/health", s.health)
	r.Get("/api/status", s.status)
	r.Method(http.MethodGet, "/api/chat/stream", s.fan)

	r.Route("/api/messages", func(r chi.Router) {
		r.Get("/history", s.history)
		r.Get("/history/{channel}", s.channelHistory)
		r.Get("/sync", s.sync)
		r.Get("/range", s.sequenceRange)
	})

	r.Route("/api/channels", func(r chi.Router) {
		r.Get("/", s.listChannels)
		r.Post("/", s.addChannels)
		r.Delete("/{name}", s.removeChannel)
		r.Get("/{name}/stats", s.channelStats)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    time.Since(s.started).Seconds(),
	})
}

type twitchStatus struct {
	Connected bool     `json:"connected"`
	State     string   `json:"state"`
	Channels  []string `json:"channels"`
}

type statusResponse struct {
	Twitch twitchStatus      `json:"twitch"`
	Buffer model.BufferStats `json:"buffer"`
	SSE    fanout.Stats      `json:"sse"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Twitch: twitchStatus{
			Connected: s.upstream.Connected(),
			State:     s.upstream.State().String(),
			Channels:  s.upstream.Channels(),
		},
		Buffer: s.buf.Stats(),
		SSE:    s.fan.Stats(),
	})
}

type historyResponse struct {
	Channel  string            `json:"channel,omitempty"`
	Messages []model.ChatEvent `json:"messages"`
	Total    int               `json:"total"`
	Returned int               `json:"returned"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fanout.ParseFilter(q.Get("channels"), q.Get("exclude"))

	messages := s.buf.GetFiltered(filter.Keep)
	writeJSON(w, http.StatusOK, lastN(messages, parseLimit(q.Get("limit")), ""))
}

func (s *Server) channelHistory(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r, "channel")

	messages := s.buf.GetByChannel(channel)
	writeJSON(w, http.StatusOK, lastN(messages, parseLimit(r.URL.Query().Get("limit")), channel))
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	raw := strings.TrimSpace(q.Get("lastSequence"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "lastSequence parameter is required")
		return
	}
	last, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "lastSequence must be a valid number")
		return
	}

	events, oldest, current := s.buf.Since(last)
	messages := fanout.ParseFilter(q.Get("channels"), q.Get("exclude")).Apply(events)

	writeJSON(w, http.StatusOK, model.SyncResponse{
		CurrentSequence: current,
		OldestSequence:  oldest,
		LastSequence:    last,
		MissedCount:     len(messages),
		Messages:        messages,
	})
}

func (s *Server) sequenceRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	fromRaw, toRaw := strings.TrimSpace(q.Get("from")), strings.TrimSpace(q.Get("to"))
	if fromRaw == "" || toRaw == "" {
		writeError(w, http.StatusBadRequest, "from and to parameters are required")
		return
	}
	from, errFrom := strconv.ParseInt(fromRaw, 10, 64)
	to, errTo := strconv.ParseInt(toRaw, 10, 64)
	if errFrom != nil || errTo != nil {
		writeError(w, http.StatusBadRequest, "from and to must be valid numbers")
		return
	}
	if from > to {
		writeError(w, http.StatusBadRequest, "from must be less than or equal to to")
		return
	}

	messages := s.buf.GetBySequenceRange(from, to)
	writeJSON(w, http.StatusOK, model.RangeResponse{
		From:     from,
		To:       to,
		Count:    len(messages),
		Messages: messages,
	})
}

type channelInfo struct {
	Name         string `json:"name"`
	Connected    bool   `json:"connected"`
	MessageCount int    `json:"messageCount"`
}

func (s *Server) listChannels(w http.ResponseWriter, _ *http.Request) {
	counts := s.buf.Stats().Channels
	connected := s.upstream.Connected()

	channels := make([]channelInfo, 0)
	for _, ch := range s.upstream.Channels() {
		channels = append(channels, channelInfo{Name: ch, Connected: connected, MessageCount: counts[ch]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

type addChannelsRequest struct {
	Channel  string   `json:"channel"`
	Channels []string `json:"channels"`
}

type channelsResponse struct {
	Success  bool     `json:"success"`
	Channels []string `json:"channels"`
}

func (s *Server) addChannels(w http.ResponseWriter, r *http.Request) {
	var req addChannelsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	requested := req.Channels
	if len(requested) == 0 {
		requested = []string{req.Channel}
	}
	requested = config.NormalizeChannels(requested)
	if len(requested) == 0 {
		writeError(w, http.StatusBadRequest, "Channel or channels required")
		return
	}

	for _, ch := range requested {
		err := s.upstream.AddChannel(r.Context(), ch)
		switch {
		case err == nil:
			s.log.Info().Str("channel", ch).Msg("канал добавлен через API")
		case errors.Is(err, twitch.ErrChannelExists):
		default:
			s.log.Error().Err(err).Str("channel", ch).Msg("не удалось добавить канал")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, channelsResponse{Success: true, Channels: s.upstream.Channels()})
}

func (s *Server) removeChannel(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r, "name")

	if err := s.upstream.RemoveChannel(channel); err != nil {
		if errors.Is(err, twitch.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "channel is not monitored")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info().Str("channel", channel).Msg("канал удалён через API")
	writeJSON(w, http.StatusOK, channelsResponse{Success: true, Channels: s.upstream.Channels()})
}

func (s *Server) channelStats(w http.ResponseWriter, r *http.Request) {
	channel := channelParam(r, "name")

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":      channel,
		"messageCount": len(s.buf.GetByChannel(channel)),
		"connected":    slices.Contains(s.upstream.Channels(), channel),
	})
}

func channelParam(r *http.Request, key string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(chi.URLParam(r, key)), "#"))
}

func parseLimit(raw string) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

func lastN(messages []model.ChatEvent, limit int, channel string) historyResponse {
	total := len(messages)
	if total > limit {
		messages = messages[total-limit:]
	}
	return historyResponse{Channel: channel, Messages: messages, Total: total, Returned: len(messages)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
