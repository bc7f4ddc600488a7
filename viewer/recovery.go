package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"twitch-chat-relay/backoff"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/model"
)

// RecoveryConfig задаёт параметры запросов догрузки.
type RecoveryConfig struct {
	BaseURL string
	Filter  fanout.Filter
	// Policy задаёт повторы неудачного запроса; при MaxAttempts <= 0 запрос выполняется один раз.
	Policy     backoff.Policy
	HTTPClient *http.Client
}

// RecoveryResult описывает итог одной догрузки.
type RecoveryResult struct {
	// Skipped: догрузка уже выполнялась, вызов проигнорирован.
	Skipped bool
	// Partial: сервер уже вытеснил часть запрошенного диапазона.
	Partial         bool
	Received        int
	Added           int
	CurrentSequence int64
	OldestSequence  int64
}

// Recovery догружает пропущенные события через /api/messages/sync. Одновременно выполняется не больше одной догрузки.
type Recovery struct {
	cfg    RecoveryConfig
	client *http.Client
	store  *Store
	log    zerolog.Logger

	busy atomic.Bool
}

// NewRecovery создаёт клиента догрузки, пишущего в store.
func NewRecovery(cfg RecoveryConfig, store *Store, log zerolog.Logger) *Recovery {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Recovery{
		cfg:    cfg,
		client: client,
		store:  store,
		log:    log.With().Str("component", "recovery").Logger(),
	}
}

// Recover запрашивает все события после gap.From и сливает их в хранилище.
// Флаг занятости снимается только после слияния.
func (r *Recovery) Recover(ctx context.Context, gap Gap) (RecoveryResult, error) {
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Debug().Int64("from", gap.From).Int64("to", gap.To).Msg("догрузка уже выполняется")
		return RecoveryResult{Skipped: true}, nil
	}
	defer r.busy.Store(false)

	resp, err := r.fetchWithRetry(ctx, gap.From)
	if err != nil {
		return RecoveryResult{}, err
	}

	result := RecoveryResult{
		Received:        len(resp.Messages),
		Added:           r.store.AddMany(resp.Messages),
		CurrentSequence: resp.CurrentSequence,
		OldestSequence:  resp.OldestSequence,
		Partial:         lost(gap.From, resp),
	}

	if result.Partial {
		r.log.Info().
			Int64("from", gap.From).
			Int64("oldest", resp.OldestSequence).
			Msg("догрузка частичная: сервер уже вытеснил часть сообщений")
	}
	r.log.Info().
		Int64("from", gap.From).
		Int64("to", gap.To).
		Int("received", result.Received).
		Int("added", result.Added).
		Msg("пропуск догружен")

	return result, nil
}

// lost сообщает, что часть событий после from уже недоступна на сервере.
func lost(from int64, resp model.SyncResponse) bool {
	if resp.OldestSequence == 0 {
		return resp.CurrentSequence > from
	}
	return resp.OldestSequence > from+1
}

func (r *Recovery) fetchWithRetry(ctx context.Context, from int64) (model.SyncResponse, error) {
	attempt := 0
	for {
		resp, err := r.fetch(ctx, from)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || r.cfg.Policy.MaxAttempts <= 0 || r.cfg.Policy.Exhausted(attempt) {
			return model.SyncResponse{}, err
		}

		attempt++
		delay := r.cfg.Policy.Delay(attempt)
		r.log.Warn().Err(err).Int64("from", from).Int("attempt", attempt).Dur("delay", delay).Msg("догрузка: повтор запроса")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return model.SyncResponse{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Recovery) fetch(ctx context.Context, from int64) (model.SyncResponse, error) {
	q := url.Values{}
	q.Set("lastSequence", strconv.FormatInt(from, 10))
	if len(r.cfg.Filter.Channels) > 0 {
		q.Set("channels", strings.Join(r.cfg.Filter.Channels, ","))
	}
	if len(r.cfg.Filter.Exclude) > 0 {
		q.Set("exclude", strings.Join(r.cfg.Filter.Exclude, ","))
	}

	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + "/api/messages/sync?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.SyncResponse{}, fmt.Errorf("recovery: build request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return model.SyncResponse{}, fmt.Errorf("recovery: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.SyncResponse{}, fmt.Errorf("recovery: unexpected status %s", resp.Status)
	}

	var payload model.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.SyncResponse{}, fmt.Errorf("recovery: decode response: %w", err)
	}
	return payload, nil
}
