package viewer

import (
	"slices"
	"sort"
	"sync"

	"twitch-chat-relay/model"
)

// Store хранит локальную копию ленты без повторов по ID, по возрастанию Sequence и с ограничением размера.
// События без номера лежат после всех пронумерованных в порядке добавления.
type Store struct {
	limit int

	mu      sync.Mutex
	events  []model.ChatEvent
	ids     map[string]struct{}
	changes chan struct{}
}

// NewStore создаёт хранилище; limit <= 0 снимает ограничение размера.
func NewStore(limit int) *Store {
	return &Store{
		limit:   limit,
		ids:     make(map[string]struct{}),
		changes: make(chan struct{}, 1),
	}
}

// Add добавляет событие. Возвращает false, если событие с таким ID уже есть.
func (s *Store) Add(ev model.ChatEvent) bool {
	s.mu.Lock()
	added := s.insertLocked(ev)
	if added {
		s.trimLocked()
	}
	s.mu.Unlock()

	if added {
		s.notify()
	}
	return added
}

// AddMany добавляет пачку событий за один проход и уведомляет подписчика один раз.
// Возвращает число новых событий.
func (s *Store) AddMany(events []model.ChatEvent) int {
	s.mu.Lock()
	added := 0
	for _, ev := range events {
		if s.insertLocked(ev) {
			added++
		}
	}
	if added > 0 {
		s.trimLocked()
	}
	s.mu.Unlock()

	if added > 0 {
		s.notify()
	}
	return added
}

func (s *Store) insertLocked(ev model.ChatEvent) bool {
	if _, ok := s.ids[ev.ID]; ok {
		return false
	}
	s.ids[ev.ID] = struct{}{}

	if ev.Sequence <= 0 {
		s.events = append(s.events, ev)
		return true
	}

	i := sort.Search(len(s.events), func(i int) bool {
		seq := s.events[i].Sequence
		return seq <= 0 || seq > ev.Sequence
	})
	s.events = slices.Insert(s.events, i, ev)
	return true
}

func (s *Store) trimLocked() {
	if s.limit <= 0 || len(s.events) <= s.limit {
		return
	}

	over := len(s.events) - s.limit
	for _, ev := range s.events[:over] {
		delete(s.ids, ev.ID)
	}
	s.events = slices.Clone(s.events[over:])
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Changes сигналит об изменениях. Несколько изменений подряд могут слиться в один сигнал.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

// Events возвращает копию ленты.
func (s *Store) Events() []model.ChatEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// Len возвращает число событий.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// LastSequence возвращает наибольший номер в хранилище, 0 если пронумерованных событий нет.
func (s *Store) LastSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Sequence > 0 {
			return s.events[i].Sequence
		}
	}
	return 0
}
