package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"twitch-chat-relay/buffer"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/model"
	"twitch-chat-relay/twitch"
)

// Upstream описывает источник событий Twitch (twitch.Client).
type Upstream interface {
	Run(ctx context.Context) error
	Events() <-chan twitch.Event
}

// Archive принимает пронумерованные события на запись (storage.Batcher).
type Archive interface {
	Enqueue(ev model.ChatEvent) bool
}

// Service управляет жизненным циклом Twitch клиента и прокачкой событий через буфер к подписчикам.
type Service struct {
	client       Upstream
	handler      *Handler
	buf          *buffer.Buffer
	fan          *fanout.Manager
	cleanupEvery time.Duration
	log          zerolog.Logger
}

// New собирает Service. cleanupEvery задаёт период очистки буфера по TTL.
func New(client Upstream, handler *Handler, cleanupEvery time.Duration, log zerolog.Logger) *Service {
	if cleanupEvery <= 0 {
		cleanupEvery = 30 * time.Second
	}
	return &Service{
		client:       client,
		handler:      handler,
		buf:          handler.buf,
		fan:          handler.fan,
		cleanupEvery: cleanupEvery,
		log:          log.With().Str("component", "service").Logger(),
	}
}

// Run подключает Twitch клиент и блокируется до отмены контекста.
// Если клиент исчерпал попытки переподключения, сервис продолжает отдавать накопленный буфер,
// а ошибка клиента возвращается после остановки.
func (s *Service) Run(ctx context.Context) error {
	upstreamErr := make(chan error, 1)
	go func() { upstreamErr <- s.client.Run(ctx) }()

	ticker := time.NewTicker(s.cleanupEvery)
	defer ticker.Stop()

	events := s.client.Events()
	var (
		clientErr  error
		clientDone bool
	)

	for {
		select {
		case <-ctx.Done():
			if !clientDone {
				clientErr = <-upstreamErr
			}
			if errors.Is(clientErr, context.Canceled) {
				return nil
			}
			return clientErr

		case ev, ok := <-events:
			if !ok {
				events = nil
				clientErr, clientDone = <-upstreamErr, true
				if clientErr != nil && !errors.Is(clientErr, context.Canceled) {
					s.log.Error().Err(clientErr).Msg("Twitch клиент остановлен, сервис отдаёт только накопленный буфер")
				}
				continue
			}
			s.handle(ctx, ev)

		case <-ticker.C:
			if removed := s.buf.Cleanup(); removed > 0 {
				s.log.Debug().Int("removed", removed).Msg("буфер: удалены устаревшие сообщения")
			}
			stats := s.buf.Stats()
			s.log.Debug().
				Int("messages", stats.TotalMessages).
				Int64("sequence", stats.CurrentSequence).
				Int("clients", s.fan.Count()).
				Msg("статистика")
		}
	}
}

func (s *Service) handle(ctx context.Context, ev twitch.Event) {
	switch ev.Kind {
	case twitch.EventMessage:
		s.handler.HandleChat(ctx, ev.Message)
	case twitch.EventConnected:
		s.log.Info().Msg("Twitch: подключено")
	case twitch.EventDisconnected:
		s.log.Warn().Err(ev.Err).Msg("Twitch: отключено")
	case twitch.EventReconnectFailed:
		s.log.Error().Err(ev.Err).Msg("Twitch: переподключение не удалось")
	}
}

// Handler проводит сообщение чата через буфер к подписчикам и в архив.
type Handler struct {
	buf     *buffer.Buffer
	fan     *fanout.Manager
	archive Archive
	log     zerolog.Logger
}

// NewHandler собирает Handler. archive может быть nil, если архив выключен.
func NewHandler(buf *buffer.Buffer, fan *fanout.Manager, archive Archive, log zerolog.Logger) *Handler {
	return &Handler{buf: buf, fan: fan, archive: archive, log: log}
}

// HandleChat присваивает сообщению номер, рассылает его подписчикам и ставит в очередь архива.
func (h *Handler) HandleChat(_ context.Context, msg model.ChatEvent) model.ChatEvent {
	ev := h.buf.Add(msg)
	delivered := h.fan.Broadcast(ev)

	h.log.Debug().
		Int64("sequence", ev.Sequence).
		Str("channel", ev.Channel).
		Str("user", ev.Username).
		Int("delivered", delivered).
		Msg("сообщение")

	if h.archive != nil {
		if ok := h.archive.Enqueue(ev); !ok {
			h.log.Debug().Str("channel", ev.Channel).Msg("архив: сообщение отброшено")
		}
	}

	return ev
}
