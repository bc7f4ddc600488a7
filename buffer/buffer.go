// Package buffer присваивает событиям чата порядковые номера и хранит последние из них
// в ограниченном по размеру и времени жизни буфере.
package buffer

import (
	"slices"
	"sort"
	"sync"
	"time"

	"twitch-chat-relay/metrics"
	"twitch-chat-relay/model"
)

// Config задаёт границы буфера.
type Config struct {
	MaxSize int
	TTL     time.Duration
}

// Option настраивает Buffer.
type Option func(*Buffer)

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// Buffer хранит события всех каналов в одном упорядоченном срезе.
// События лежат по возрастанию Sequence; индекс каналов хранит позиции в срезе.
type Buffer struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	seq    int64
	events []model.ChatEvent
	index  map[string][]int
}

// New создаёт пустой буфер.
func New(cfg Config, opts ...Option) *Buffer {
	b := &Buffer{
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		now:     time.Now,
		index:   make(map[string][]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add присваивает событию следующий номер, сохраняет его и вытесняет устаревшие.
// Возвращает событие с заполненными ID и Sequence.
func (b *Buffer) Add(ev model.ChatEvent) model.ChatEvent {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Sequence = b.seq
	if ev.ID == "" {
		ev.ID = model.NewEventID(now, ev.Channel)
	}

	b.events = append(b.events, ev)
	b.index[ev.Channel] = append(b.index[ev.Channel], len(b.events)-1)
	metrics.EventsIngested.WithLabelValues(ev.Channel).Inc()

	b.evictLocked(now)

	return ev
}

// Cleanup вытесняет события старше TTL и возвращает их количество.
func (b *Buffer) Cleanup() int {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.evictLocked(now)
}

func (b *Buffer) evictLocked(now time.Time) int {
	removed := 0

	if b.ttl > 0 {
		threshold := now.Add(-b.ttl).UnixMilli()
		kept := b.events[:0]
		for _, ev := range b.events {
			if ev.Timestamp >= threshold {
				kept = append(kept, ev)
			}
		}
		if expired := len(b.events) - len(kept); expired > 0 {
			clear(b.events[len(kept):])
			b.events = kept
			removed += expired
			metrics.BufferEvicted.WithLabelValues("ttl").Add(float64(expired))
		}
	}

	if b.maxSize > 0 && len(b.events) > b.maxSize {
		over := len(b.events) - b.maxSize
		b.events = slices.Clone(b.events[over:])
		removed += over
		metrics.BufferEvicted.WithLabelValues("size").Add(float64(over))
	}

	if removed > 0 {
		b.rebuildIndexLocked()
	}
	metrics.BufferedEvents.Set(float64(len(b.events)))

	return removed
}

func (b *Buffer) rebuildIndexLocked() {
	b.index = make(map[string][]int, len(b.index))
	for i, ev := range b.events {
		b.index[ev.Channel] = append(b.index[ev.Channel], i)
	}
}

// GetAll возвращает копию всех событий по возрастанию номера.
func (b *Buffer) GetAll() []model.ChatEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.events)
}

// GetByChannel возвращает события одного канала.
func (b *Buffer) GetByChannel(channel string) []model.ChatEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	positions := b.index[channel]
	out := make([]model.ChatEvent, 0, len(positions))
	for _, i := range positions {
		out = append(out, b.events[i])
	}
	return out
}

// GetFiltered возвращает события, для которых keep вернул true.
func (b *Buffer) GetFiltered(keep func(model.ChatEvent) bool) []model.ChatEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.ChatEvent, 0)
	for _, ev := range b.events {
		if keep == nil || keep(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// GetAfterSequence возвращает события с номером строго больше seq.
func (b *Buffer) GetAfterSequence(seq int64) []model.ChatEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := sort.Search(len(b.events), func(i int) bool { return b.events[i].Sequence > seq })
	return slices.Clone(b.events[start:])
}

// Since возвращает то же, что GetAfterSequence, и границы буфера, снятые под той же блокировкой:
// номер самого старого события и последний выданный номер.
func (b *Buffer) Since(seq int64) (events []model.ChatEvent, oldest, current int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := sort.Search(len(b.events), func(i int) bool { return b.events[i].Sequence > seq })
	if len(b.events) > 0 {
		oldest = b.events[0].Sequence
	}
	return slices.Clone(b.events[start:]), oldest, b.seq
}

// GetBySequenceRange возвращает события с номерами в [from, to].
func (b *Buffer) GetBySequenceRange(from, to int64) []model.ChatEvent {
	if from > to {
		return []model.ChatEvent{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	start := sort.Search(len(b.events), func(i int) bool { return b.events[i].Sequence >= from })
	end := sort.Search(len(b.events), func(i int) bool { return b.events[i].Sequence > to })
	if start >= end {
		return []model.ChatEvent{}
	}
	return slices.Clone(b.events[start:end])
}

// CurrentSequence возвращает последний выданный номер (0, пока событий не было).
func (b *Buffer) CurrentSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// OldestSequence возвращает номер самого старого события в буфере, 0 если буфер пуст.
func (b *Buffer) OldestSequence() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return 0
	}
	return b.events[0].Sequence
}

// ActiveChannels возвращает отсортированный список каналов, у которых есть события в буфере.
func (b *Buffer) ActiveChannels() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make([]string, 0, len(b.index))
	for ch := range b.index {
		channels = append(channels, ch)
	}
	slices.Sort(channels)
	return channels
}

// Len возвращает число событий в буфере.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}

// Stats возвращает снимок состояния буфера.
func (b *Buffer) Stats() model.BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	channels := make(map[string]int, len(b.index))
	for ch, positions := range b.index {
		channels[ch] = len(positions)
	}

	return model.BufferStats{
		TotalMessages:   len(b.events),
		MaxSize:         b.maxSize,
		CurrentSequence: b.seq,
		Channels:        channels,
	}
}
