// Package viewer реализует клиентскую сторону ретранслятора: чтение потока с догрузкой
// пропущенных сообщений в локальную ленту.
package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"twitch-chat-relay/backoff"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/model"
)

// ErrReconnectFailed возвращается из Run, когда исчерпаны попытки переподключения к потоку.
var ErrReconnectFailed = errors.New("viewer: reconnect attempts exhausted")

var errStreamClosed = errors.New("viewer: stream closed by server")

// State — состояние читателя потока.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// EventKind задаёт тип уведомления читателя.
type EventKind int

const (
	EventState EventKind = iota + 1
	EventMessage
	EventHeartbeat
	EventGap
	EventFailed
)

// Gap — пропуск между последним полученным номером From и наблюдаемым номером To.
type Gap struct {
	From int64
	To   int64
}

// Event описывает одно уведомление читателя. Заполнено поле, соответствующее Kind.
type Event struct {
	Kind      EventKind
	State     State
	Message   model.ChatEvent
	Heartbeat model.Heartbeat
	Gap       Gap
	Err       error
}

// ReaderConfig задаёт параметры подключения к потоку.
type ReaderConfig struct {
	BaseURL    string
	Filter     fanout.Filter
	Policy     backoff.Policy
	HTTPClient *http.Client
}

// Reader читает поток сервера, переподключается по backoff и сообщает о пропусках в нумерации.
type Reader struct {
	cfg    ReaderConfig
	client *http.Client
	log    zerolog.Logger
	events chan Event

	mu    sync.Mutex
	last  int64
	known bool
	state State
}

// NewReader создаёт читателя. Подключение выполняет Run.
func NewReader(cfg ReaderConfig, log zerolog.Logger) *Reader {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Reader{
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "reader").Logger(),
		events: make(chan Event, 256),
	}
}

// Seed задаёт последний известный номер, например из сохранённого курсора.
func (r *Reader) Seed(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = seq
	r.known = true
}

// Rewind откатывает учтённый номер назад к seq, чтобы следующее наблюдение снова дало пропуск.
// Вперёд номер не двигает.
func (r *Reader) Rewind(seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.known || seq < r.last {
		r.last = seq
		r.known = true
	}
}

// LastSequence возвращает последний учтённый номер и признак того, что он известен.
func (r *Reader) LastSequence() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.known
}

// State возвращает текущее состояние.
func (r *Reader) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Events возвращает канал уведомлений. Закрывается, когда Run завершается.
func (r *Reader) Events() <-chan Event {
	return r.events
}

// Run читает поток до отмены контекста или исчерпания попыток переподключения.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.events)

	attempt := 0
	for {
		err := r.stream(ctx, func() { attempt = 0 })

		if ctx.Err() != nil {
			r.setState(ctx, StateClosed)
			return ctx.Err()
		}

		r.log.Warn().Err(err).Msg("поток: соединение потеряно")

		if r.cfg.Policy.Exhausted(attempt) {
			r.setState(ctx, StateFailed)
			r.log.Error().Int("attempts", attempt).Msg("поток: попытки переподключения исчерпаны")
			r.emit(ctx, Event{Kind: EventFailed, Err: ErrReconnectFailed})
			return ErrReconnectFailed
		}

		attempt++
		delay := r.cfg.Policy.Delay(attempt)
		r.setState(ctx, StateReconnecting)
		r.log.Info().
			Dur("delay", delay).
			Int("attempt", attempt).
			Int("max_attempts", r.cfg.Policy.MaxAttempts).
			Msg("поток: переподключение")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.setState(ctx, StateClosed)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Reader) stream(ctx context.Context, onOpen func()) error {
	r.setState(ctx, StateConnecting)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("viewer: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("viewer: connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("viewer: connect: unexpected status %s", resp.Status)
	}

	onOpen()
	r.setState(ctx, StateOpen)

	return r.consume(ctx, resp.Body)
}

func (r *Reader) streamURL() string {
	q := url.Values{}
	if len(r.cfg.Filter.Channels) > 0 {
		q.Set("channels", strings.Join(r.cfg.Filter.Channels, ","))
	}
	if len(r.cfg.Filter.Exclude) > 0 {
		q.Set("exclude", strings.Join(r.cfg.Filter.Exclude, ","))
	}
	if last, known := r.LastSequence(); known {
		q.Set("lastSequence", strconv.FormatInt(last, 10))
	}

	u := strings.TrimRight(r.cfg.BaseURL, "/") + "/api/chat/stream"
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// consume разбирает записи потока: поля event/data/id, запись заканчивается пустой строкой.
func (r *Reader) consume(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		event string
		data  []string
	)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				r.dispatch(ctx, event, strings.Join(data, "\n"))
			}
			event, data = "", data[:0]
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("viewer: read stream: %w", err)
	}
	return errStreamClosed
}

func (r *Reader) dispatch(ctx context.Context, event, data string) {
	switch event {
	case "", "message":
		var msg model.ChatEvent
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			r.log.Debug().Err(err).Msg("поток: некорректное сообщение пропущено")
			return
		}
		if gap, ok := r.observe(msg.Sequence, true); ok {
			r.emit(ctx, Event{Kind: EventGap, Gap: gap})
		}
		r.emit(ctx, Event{Kind: EventMessage, Message: msg})

	case "heartbeat":
		var hb model.Heartbeat
		if err := json.Unmarshal([]byte(data), &hb); err != nil {
			r.log.Debug().Err(err).Msg("поток: некорректный heartbeat пропущен")
			return
		}
		if gap, ok := r.observe(hb.CurrentSequence, false); ok {
			r.emit(ctx, Event{Kind: EventGap, Gap: gap})
		}
		r.emit(ctx, Event{Kind: EventHeartbeat, Heartbeat: hb})
	}
}

// observe сверяет наблюдаемый номер с последним учтённым.
// Сообщение продвигает номер до max(L, S), а не до S: переставленное или повторно присланное
// сообщение не откатывает маркер назад. Heartbeat продвигает номер только вместе с пропуском,
// а heartbeat с номером меньше учтённого означает, что сервер начал нумерацию заново.
func (r *Reader) observe(seq int64, message bool) (Gap, bool) {
	if seq < 0 || (message && seq == 0) {
		return Gap{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known {
		if message {
			r.last = seq
			r.known = true
		}
		return Gap{}, false
	}

	switch {
	case seq > r.last+1:
		gap := Gap{From: r.last, To: seq}
		r.last = seq
		return gap, true
	case message && seq > r.last:
		r.last = seq
	case !message && seq < r.last:
		r.log.Info().Int64("last", r.last).Int64("current", seq).Msg("поток: сервер начал нумерацию заново")
		r.last = seq
	}
	return Gap{}, false
}

func (r *Reader) setState(ctx context.Context, s State) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()

	if changed {
		r.emit(ctx, Event{Kind: EventState, State: s})
	}
}

func (r *Reader) emit(ctx context.Context, ev Event) {
	if ev.Kind == EventState && ctx.Err() != nil {
		// при остановке потребитель уже может не читать канал
		select {
		case r.events <- ev:
		default:
		}
		return
	}

	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}
