package storage

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"twitch-chat-relay/model"
)

// BatchConfig задаёт параметры батчинга для записи архива.
type BatchConfig struct {
	MaxBatch      int
	FlushEvery    time.Duration
	ChanBuffer    int
	StatsLogEvery time.Duration
	FlushTimeout  time.Duration
}

// Batcher асинхронно пишет пронумерованные события в архив через pgx.Batch.
// Архив только пополняется: ретранслятор его не читает.
type Batcher struct {
	input   chan model.ChatEvent
	config  BatchConfig
	sender  batchSender
	log     zerolog.Logger
	dropped atomic.Uint64
	written atomic.Uint64
	done    chan struct{}
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// NewBatcher создаёт батчер и запускает фоновые флаши.
func NewBatcher(ctx context.Context, pool *pgxpool.Pool, cfg BatchConfig, log zerolog.Logger) *Batcher {
	return newBatcher(ctx, pool, cfg, log)
}

// Enqueue пытается добавить событие в очередь; при переполнении возвращает false.
func (b *Batcher) Enqueue(ev model.ChatEvent) bool {
	select {
	case b.input <- ev:
		return true
	default:
		dropped := b.dropped.Add(1)
		if dropped%100 == 0 {
			b.log.Warn().Uint64("dropped", dropped).Msg("батчер: очередь заполнена, события отброшены")
		}
		return false
	}
}

// Dropped возвращает число событий, отброшенных из-за переполнения.
func (b *Batcher) Dropped() uint64 {
	return b.dropped.Load()
}

// Written возвращает число строк, отправленных в базу.
func (b *Batcher) Written() uint64 {
	return b.written.Load()
}

// Done закрывается после финального флаша при отмене контекста.
func (b *Batcher) Done() <-chan struct{} {
	return b.done
}

const insertEvent = `
insert into chat_events (
  sequence, event_id, channel, user_id, username, text, badges, emotes, color,
  is_mod, is_subscriber, is_vip, sent_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
on conflict (event_id) do nothing;`

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	flushTicker := time.NewTicker(b.config.FlushEvery)
	statsTicker := time.NewTicker(b.config.StatsLogEvery)
	defer flushTicker.Stop()
	defer statsTicker.Stop()

	var (
		batch            = &pgx.Batch{}
		pending          = 0
		intervalInserted uint64
	)

	flush := func() {
		if pending == 0 {
			return
		}

		dbCtx, cancel := context.WithTimeout(context.Background(), b.config.FlushTimeout)
		defer cancel()

		br := b.sender.SendBatch(dbCtx, batch)
		if err := br.Close(); err != nil {
			b.log.Error().Err(err).Int("rows", pending).Msg("ошибка флаша батчера")
		} else {
			b.written.Add(uint64(pending))
			intervalInserted += uint64(pending)
		}

		batch = &pgx.Batch{}
		pending = 0
	}

	queue := func(ev model.ChatEvent) {
		badgesJSON, _ := json.Marshal(ev.Badges)
		emotesJSON, _ := json.Marshal(ev.Emotes)
		batch.Queue(insertEvent,
			ev.Sequence, ev.ID, ev.Channel, nullable(ev.UserID), ev.Username, ev.Text, badgesJSON, emotesJSON, ev.Color,
			ev.IsModerator, ev.IsSubscriber, ev.IsVip, ev.SentAt(),
		)
		pending++
		if pending >= b.config.MaxBatch {
			flush()
		}
	}

	for {
		select {
		case <-ctx.Done():
			// забираем то, что уже успело попасть в очередь
		drain:
			for {
				select {
				case ev := <-b.input:
					queue(ev)
				default:
					break drain
				}
			}
			flush()
			b.log.Info().Uint64("total", b.written.Load()).Msg("батчер: контекст отменён")
			return
		case <-flushTicker.C:
			flush()
		case <-statsTicker.C:
			b.log.Info().
				Uint64("interval", intervalInserted).
				Uint64("total", b.written.Load()).
				Uint64("dropped", b.dropped.Load()).
				Dur("every", b.config.StatsLogEvery).
				Msg("батчер: статистика записи")
			intervalInserted = 0
		case ev := <-b.input:
			queue(ev)
		}
	}
}

// nullable превращает пустую строку в NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func newBatcher(ctx context.Context, sender batchSender, cfg BatchConfig, log zerolog.Logger) *Batcher {
	b := &Batcher{
		input:  make(chan model.ChatEvent, cfg.ChanBuffer),
		config: cfg,
		sender: sender,
		log:    log.With().Str("component", "archive").Logger(),
		done:   make(chan struct{}),
	}

	go b.run(ctx)

	return b
}
