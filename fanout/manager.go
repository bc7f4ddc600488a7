// Package fanout раздаёт упорядоченные события чата подключённым клиентам через SSE.
package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"twitch-chat-relay/metrics"
	"twitch-chat-relay/model"
)

// Source отдаёт события для догрузки и данные heartbeat (buffer.Buffer).
type Source interface {
	GetAfterSequence(seq int64) []model.ChatEvent
	CurrentSequence() int64
	ActiveChannels() []string
}

// Config задаёт параметры потока.
type Config struct {
	HeartbeatInterval time.Duration
	RetryMs           int
	QueueSize         int
}

// Subscription — один подключённый клиент потока.
type Subscription struct {
	id          string
	filter      Filter
	connectedAt time.Time
	queue       chan model.ChatEvent
	done        chan struct{}
	closeOnce   sync.Once
}

// ID возвращает идентификатор подписки.
func (s *Subscription) ID() string { return s.id }

// Filter возвращает фильтр подписки.
func (s *Subscription) Filter() Filter { return s.filter }

// Events возвращает очередь исходящих событий подписчика.
func (s *Subscription) Events() <-chan model.ChatEvent { return s.queue }

// Done закрывается, когда подписка снята.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// ClientInfo описывает подписчика в статистике.
type ClientInfo struct {
	ID          string    `json:"id"`
	Channels    []string  `json:"channels"`
	Exclude     []string  `json:"exclude"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Stats описывает снимок подписчиков.
type Stats struct {
	ConnectedClients int          `json:"connectedClients"`
	Clients          []ClientInfo `json:"clients"`
}

// Manager владеет множеством подписчиков и рассылает им события.
type Manager struct {
	source Source
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager создаёт менеджер рассылки поверх source.
func NewManager(source Source, cfg Config, log zerolog.Logger) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}

	return &Manager{
		source: source,
		cfg:    cfg,
		log:    log.With().Str("component", "fanout").Logger(),
		now:    time.Now,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe регистрирует нового подписчика с очередью фиксированного размера.
func (m *Manager) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		id:          uuid.NewString(),
		filter:      filter,
		connectedAt: m.now(),
		queue:       make(chan model.ChatEvent, m.cfg.QueueSize),
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	m.subs[sub.id] = sub
	count := len(m.subs)
	m.mu.Unlock()

	metrics.Subscribers.Set(float64(count))
	return sub
}

// Unsubscribe снимает подписку. Повторный вызов ничего не делает.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	delete(m.subs, sub.id)
	count := len(m.subs)
	m.mu.Unlock()

	metrics.Subscribers.Set(float64(count))
	sub.closeOnce.Do(func() { close(sub.done) })
}

// Broadcast ставит событие в очереди всех подходящих подписчиков и возвращает число доставок.
// Подписчик с переполненной очередью считается отвалившимся и снимается.
func (m *Manager) Broadcast(ev model.ChatEvent) int {
	m.mu.RLock()
	targets := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if !sub.filter.Allows(ev.Channel) {
			continue
		}

		select {
		case <-sub.done:
			continue
		default:
		}

		select {
		case sub.queue <- ev:
			delivered++
		default:
			m.log.Warn().Str("client", sub.id).Int("queue", cap(sub.queue)).Msg("fanout: очередь клиента переполнена, клиент отключён")
			metrics.SubscribersDropped.WithLabelValues("slow").Inc()
			m.Unsubscribe(sub)
		}
	}

	metrics.Deliveries.Add(float64(delivered))
	return delivered
}

// Heartbeat собирает полезную нагрузку keep-alive.
func (m *Manager) Heartbeat() model.Heartbeat {
	return model.Heartbeat{
		Timestamp:       m.now().UnixMilli(),
		CurrentSequence: m.source.CurrentSequence(),
		ActiveChannels:  m.source.ActiveChannels(),
	}
}

// Count возвращает число подписчиков.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Stats возвращает снимок подписчиков.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]ClientInfo, 0, len(m.subs))
	for _, sub := range m.subs {
		clients = append(clients, ClientInfo{
			ID:          sub.id,
			Channels:    sub.filter.Channels,
			Exclude:     sub.filter.Exclude,
			ConnectedAt: sub.connectedAt,
		})
	}

	return Stats{ConnectedClients: len(m.subs), Clients: clients}
}

// ServeHTTP обслуживает поток: retry, догрузка пропущенного после lastSequence, затем живые события и heartbeat.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ParseFilter(query.Get("channels"), query.Get("exclude"))
	last, resume := resumeSequence(r)

	rc := http.NewResponseController(w)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Подписка до снимка буфера: всё, что придёт после снимка, окажется в очереди.
	sub := m.Subscribe(filter)
	defer m.Unsubscribe(sub)

	log := m.log.With().Str("client", sub.id).Logger()
	log.Info().
		Strs("channels", filter.Channels).
		Strs("exclude", filter.Exclude).
		Int64("last_sequence", last).
		Str("remote", r.RemoteAddr).
		Msg("fanout: клиент подключён")
	defer log.Info().Msg("fanout: клиент отключён")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", m.cfg.RetryMs); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		log.Error().Err(err).Msg("fanout: ResponseWriter не поддерживает flush")
		return
	}

	var cutoff int64
	if resume {
		// Номер клиента может быть впереди сервера (курсор от прошлого запуска),
		// поэтому живые события отсекаются только по тому, что сервер действительно выдал.
		// Текущий номер читается до снимка.
		cutoff = min(last, m.source.CurrentSequence())
		missed := m.source.GetAfterSequence(last)
		if n := len(missed); n > 0 {
			cutoff = missed[n-1].Sequence
		}

		replay := filter.Apply(missed)
		for _, ev := range replay {
			if err := writeMessage(w, ev); err != nil {
				log.Debug().Err(err).Msg("fanout: ошибка записи догрузки")
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
		metrics.Replayed.Add(float64(len(replay)))
		log.Info().Int("count", len(replay)).Msg("fanout: отправлены пропущенные сообщения")
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.Events():
			if ev.Sequence <= cutoff {
				continue
			}
			if err := writeMessage(w, ev); err != nil {
				log.Debug().Err(err).Msg("fanout: ошибка записи")
				metrics.SubscribersDropped.WithLabelValues("write").Inc()
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeHeartbeat(w, m.Heartbeat()); err != nil {
				metrics.SubscribersDropped.WithLabelValues("write").Inc()
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// resumeSequence берёт номер последнего полученного события из lastSequence или заголовка Last-Event-ID.
func resumeSequence(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("lastSequence"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw == "" {
		return 0, false
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func writeMessage(w http.ResponseWriter, ev model.ChatEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout: encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.Sequence, data)
	return err
}

func writeHeartbeat(w http.ResponseWriter, hb model.Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("fanout: encode heartbeat: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: heartbeat\ndata: %s\n\n", data)
	return err
}
