package twitch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"twitch-chat-relay/backoff"
	"twitch-chat-relay/config"
	"twitch-chat-relay/metrics"
	"twitch-chat-relay/model"
)

var (
	// ErrReconnectFailed возвращается из Run, когда исчерпаны попытки переподключения.
	ErrReconnectFailed = errors.New("twitch: reconnect attempts exhausted")
	// ErrChannelExists: канал уже отслеживается.
	ErrChannelExists = errors.New("twitch: channel already monitored")
	// ErrChannelNotFound: канал не отслеживается.
	ErrChannelNotFound = errors.New("twitch: channel not monitored")
	// ErrInvalidChannel: пустое имя канала.
	ErrInvalidChannel = errors.New("twitch: invalid channel name")

	errServerReconnect = errors.New("twitch: server requested reconnect")
)

// Twitch допускает 20 JOIN за 10 секунд для анонимного соединения.
const (
	joinBurst  = 20
	joinWindow = 10 * time.Second
)

// State — состояние соединения с Twitch IRC.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// EventKind задаёт тип события клиента.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventMessage
	EventDisconnected
	EventReconnectFailed
)

// Event несёт сообщение чата либо смену состояния соединения.
type Event struct {
	Kind    EventKind
	Message model.ChatEvent
	Err     error
}

// Conn описывает минимальную часть WebSocket соединения, нужную клиенту.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer открывает соединение с IRC сервером.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebSocketDialer оборачивает gorilla/websocket.Dialer.
func WebSocketDialer(d *websocket.Dialer) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := d.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Option настраивает Client.
type Option func(*Client)

// WithDialer подменяет способ установки соединения.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// Client читает Twitch IRC поверх WebSocket анонимно и переподключается по backoff.
type Client struct {
	url    string
	dial   Dialer
	policy backoff.Policy
	joins  *rate.Limiter
	log    zerolog.Logger
	events chan Event

	mu       sync.Mutex
	channels []string
	conn     Conn
	state    State

	writeMu sync.Mutex
}

// NewClient собирает клиента по конфигурации; соединение открывает Run.
func NewClient(cfg config.TwitchConfig, log zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		url: cfg.IrcURL,
		dial: WebSocketDialer(&websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		}),
		policy: backoff.Policy{
			Base:        cfg.ReconnectBase,
			Max:         cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectAttempts,
		},
		joins:    rate.NewLimiter(rate.Every(joinWindow/joinBurst), joinBurst),
		log:      log.With().Str("component", "twitch").Logger(),
		events:   make(chan Event, 256),
		channels: config.NormalizeChannels(cfg.Channels),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Events возвращает канал событий клиента. Закрывается, когда Run завершается.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Run подключает клиента и блокируется до отмены контекста или исчерпания попыток переподключения.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	attempt := 0
	for {
		err := c.session(ctx, func() { attempt = 0 })
		c.detach()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.log.Warn().Err(err).Msg("twitch: соединение потеряно")
		c.emit(ctx, Event{Kind: EventDisconnected, Err: err})

		if c.policy.Exhausted(attempt) {
			c.setState(StateDisconnected)
			c.log.Error().Int("attempts", attempt).Msg("twitch: попытки переподключения исчерпаны")
			c.emit(ctx, Event{Kind: EventReconnectFailed, Err: ErrReconnectFailed})
			return ErrReconnectFailed
		}

		attempt++
		delay := c.policy.Delay(attempt)
		c.setState(StateReconnecting)
		metrics.UpstreamReconnects.Inc()
		c.log.Info().
			Dur("delay", delay).
			Int("attempt", attempt).
			Int("max_attempts", c.policy.MaxAttempts).
			Msg("twitch: переподключение")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(StateDisconnected)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context, onOpen func()) error {
	c.setState(StateConnecting)

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("twitch: dial: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.handshake(ctx, conn); err != nil {
		return err
	}

	onOpen()
	c.log.Info().Strs("channels", c.Channels()).Msg("twitch: подключено")
	c.emit(ctx, Event{Kind: EventConnected})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("twitch: read: %w", err)
		}

		for _, line := range splitLines(data) {
			if err := c.handleLine(ctx, conn, line); err != nil {
				return err
			}
		}
	}
}

// handshake выполняет анонимный вход, запрашивает теги и заходит во все каналы.
func (c *Client) handshake(ctx context.Context, conn Conn) error {
	nick := fmt.Sprintf("justinfan%d", 1000+rand.IntN(89000))
	for _, line := range []string{
		"NICK " + nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
	} {
		if err := c.send(conn, line); err != nil {
			return fmt.Errorf("twitch: handshake: %w", err)
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	pending := slices.Clone(c.channels)
	c.mu.Unlock()
	metrics.UpstreamConnected.Set(1)

	for _, ch := range pending {
		if err := c.joins.Wait(ctx); err != nil {
			return err
		}
		if !c.monitored(ch) {
			continue
		}
		if err := c.send(conn, "JOIN #"+ch); err != nil {
			return fmt.Errorf("twitch: join #%s: %w", ch, err)
		}
		c.log.Debug().Str("channel", ch).Msg("twitch: JOIN")
	}

	return nil
}

func (c *Client) handleLine(ctx context.Context, conn Conn, line string) error {
	switch {
	case IsPing(line):
		return c.send(conn, PongFor(line))
	case IsReconnect(line):
		c.log.Info().Msg("twitch: сервер запросил RECONNECT")
		return errServerReconnect
	}

	ev := ParseMessage(line)
	if ev == nil {
		metrics.ParseDropped.Inc()
		c.log.Debug().Str("line", line).Msg("twitch: строка пропущена")
		return nil
	}

	c.emit(ctx, Event{Kind: EventMessage, Message: *ev})
	return nil
}

// AddChannel добавляет канал; при активном соединении сразу отправляет JOIN,
// иначе канал будет подключён при следующем подключении.
func (c *Client) AddChannel(ctx context.Context, channel string) error {
	channel = normalizeChannel(channel)
	if channel == "" {
		return ErrInvalidChannel
	}

	c.mu.Lock()
	if slices.Contains(c.channels, channel) {
		c.mu.Unlock()
		return ErrChannelExists
	}
	c.channels = append(c.channels, channel)
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		c.log.Info().Str("channel", channel).Msg("twitch: канал будет подключён после переподключения")
		return nil
	}

	if err := c.joins.Wait(ctx); err != nil {
		return err
	}
	if err := c.send(conn, "JOIN #"+channel); err != nil {
		c.log.Warn().Err(err).Str("channel", channel).Msg("twitch: JOIN не отправлен, повтор при переподключении")
		return nil
	}

	c.log.Info().Str("channel", channel).Msg("twitch: канал добавлен")
	return nil
}

// RemoveChannel убирает канал из отслеживаемых и при активном соединении отправляет PART.
func (c *Client) RemoveChannel(channel string) error {
	channel = normalizeChannel(channel)

	c.mu.Lock()
	idx := slices.Index(c.channels, channel)
	if idx < 0 {
		c.mu.Unlock()
		return ErrChannelNotFound
	}
	c.channels = slices.Delete(c.channels, idx, idx+1)
	conn, connected := c.conn, c.state == StateConnected
	c.mu.Unlock()

	if connected && conn != nil {
		if err := c.send(conn, "PART #"+channel); err != nil {
			c.log.Warn().Err(err).Str("channel", channel).Msg("twitch: PART не отправлен")
		}
	}

	c.log.Info().Str("channel", channel).Msg("twitch: канал удалён")
	return nil
}

// Channels возвращает копию списка отслеживаемых каналов.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.channels)
}

// State возвращает текущее состояние соединения.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected сообщает, открыто ли соединение.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

func (c *Client) monitored(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.channels, channel)
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	metrics.UpstreamConnected.Set(0)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) send(conn Conn, line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func splitLines(data []byte) []string {
	raw := bytes.Split(data, []byte("\r\n"))
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = bytes.TrimRight(line, "\n")
		if len(line) > 0 {
			lines = append(lines, string(line))
		}
	}
	return lines
}
