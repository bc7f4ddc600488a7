package viewer

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"twitch-chat-relay/backoff"
	"twitch-chat-relay/fanout"
)

// SessionConfig собирает параметры клиента целиком.
type SessionConfig struct {
	BaseURL     string
	Filter      fanout.Filter
	Policy      backoff.Policy
	MaxMessages int
	// CursorPath указывает файл с последним номером; пустая строка отключает сохранение.
	CursorPath string
	HTTPClient *http.Client
}

// Session связывает читателя потока, догрузку и локальную ленту.
type Session struct {
	reader   *Reader
	recovery *Recovery
	store    *Store
	cursor   *FileCursorStore
	log      zerolog.Logger

	onEvent func(Event)

	// holds: начала ещё не догруженных пропусков; курсор не сохраняется дальше них
	mu    sync.Mutex
	holds []int64
}

// SessionOption настраивает Session.
type SessionOption func(*Session)

// WithEventHook вызывает hook для каждого уведомления читателя (до его обработки сессией).
func WithEventHook(hook func(Event)) SessionOption {
	return func(s *Session) { s.onEvent = hook }
}

// NewSession создаёт сессию и, если есть сохранённый курсор, продолжает с него.
func NewSession(cfg SessionConfig, log zerolog.Logger, opts ...SessionOption) (*Session, error) {
	store := NewStore(cfg.MaxMessages)

	s := &Session{
		reader: NewReader(ReaderConfig{
			BaseURL:    cfg.BaseURL,
			Filter:     cfg.Filter,
			Policy:     cfg.Policy,
			HTTPClient: cfg.HTTPClient,
		}, log),
		recovery: NewRecovery(RecoveryConfig{
			BaseURL:    cfg.BaseURL,
			Filter:     cfg.Filter,
			Policy:     cfg.Policy,
			HTTPClient: cfg.HTTPClient,
		}, store, log),
		store: store,
		log:   log.With().Str("component", "session").Logger(),
	}

	if cfg.CursorPath != "" {
		s.cursor = &FileCursorStore{Path: cfg.CursorPath}
		cursor, err := s.cursor.Load()
		if err != nil {
			return nil, err
		}
		if cursor != nil {
			s.reader.Seed(cursor.LastSequence)
			s.log.Info().Int64("last_sequence", cursor.LastSequence).Msg("продолжаем с сохранённого курсора")
		}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Store возвращает локальную ленту.
func (s *Session) Store() *Store { return s.store }

// Reader возвращает читателя потока.
func (s *Session) Reader() *Reader { return s.reader }

// Run работает до отмены контекста или терминальной ошибки читателя.
func (s *Session) Run(ctx context.Context) error {
	readerErr := make(chan error, 1)
	go func() { readerErr <- s.reader.Run(ctx) }()

	var recoveries sync.WaitGroup

	for ev := range s.reader.Events() {
		if s.onEvent != nil {
			s.onEvent(ev)
		}

		switch ev.Kind {
		case EventMessage:
			s.store.Add(ev.Message)
		case EventGap:
			s.log.Info().Int64("from", ev.Gap.From).Int64("to", ev.Gap.To).Msg("обнаружен пропуск")
			s.hold(ev.Gap.From)
			recoveries.Add(1)
			go func() {
				defer recoveries.Done()
				s.recover(ctx, ev.Gap)
			}()
		case EventHeartbeat:
			s.saveCursor()
		case EventState:
			s.log.Info().Str("state", ev.State.String()).Msg("состояние потока")
		case EventFailed:
			s.log.Error().Err(ev.Err).Msg("поток остановлен")
		}
	}

	recoveries.Wait()
	s.saveCursor()

	err := <-readerErr
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recover догружает пропуск. Если догрузка не удалась или пропущена из-за уже идущей,
// маркер читателя откатывается к gap.From, и следующее наблюдение запросит диапазон снова.
func (s *Session) recover(ctx context.Context, gap Gap) {
	defer s.release(gap.From)

	res, err := s.recovery.Recover(ctx, gap)
	switch {
	case err != nil:
		s.reader.Rewind(gap.From)
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Int64("from", gap.From).Int64("to", gap.To).Msg("догрузка не удалась, пропуск будет запрошен снова")
		}
	case res.Skipped:
		s.reader.Rewind(gap.From)
	}
}

func (s *Session) hold(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds = append(s.holds, seq)
}

func (s *Session) release(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.holds, seq); i >= 0 {
		s.holds = slices.Delete(s.holds, i, i+1)
	}
}

// cursorSequence возвращает номер для сохранения: последний учтённый,
// но не дальше начала недогруженного пропуска.
func (s *Session) cursorSequence() (int64, bool) {
	last, known := s.reader.LastSequence()
	if !known {
		return 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, from := range s.holds {
		last = min(last, from)
	}
	return last, true
}

func (s *Session) saveCursor() {
	if s.cursor == nil {
		return
	}
	last, known := s.cursorSequence()
	if !known {
		return
	}
	if err := s.cursor.Save(Cursor{LastSequence: last, UpdatedAt: time.Now()}); err != nil {
		s.log.Warn().Err(err).Msg("не удалось сохранить курсор")
	}
}
