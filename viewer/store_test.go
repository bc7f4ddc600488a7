package viewer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"twitch-chat-relay/model"
)

func seqEvent(seq int64) model.ChatEvent {
	return model.ChatEvent{ID: fmt.Sprintf("id-%d", seq), Sequence: seq, Channel: "foo", Text: "t"}
}

func storeSequences(s *Store) []int64 {
	out := make([]int64, 0, s.Len())
	for _, ev := range s.Events() {
		out = append(out, ev.Sequence)
	}
	return out
}

func drainChanges(s *Store) int {
	n := 0
	for {
		select {
		case <-s.Changes():
			n++
		default:
			return n
		}
	}
}

func TestStoreIgnoresDuplicateIDs(t *testing.T) {
	s := NewStore(0)

	require.True(t, s.Add(seqEvent(1)))
	before := s.Events()
	drainChanges(s)

	require.False(t, s.Add(seqEvent(1)))
	require.Equal(t, before, s.Events())
	require.Equal(t, 0, drainChanges(s))
}

func TestStoreAddManyOrdersBySequence(t *testing.T) {
	s := NewStore(0)
	s.Add(seqEvent(5))

	added := s.AddMany([]model.ChatEvent{seqEvent(9), seqEvent(2), seqEvent(7), seqEvent(5), seqEvent(3)})

	require.Equal(t, 4, added)
	require.Equal(t, []int64{2, 3, 5, 7, 9}, storeSequences(s))
	require.Equal(t, int64(9), s.LastSequence())
}

func TestStoreAppendsUnsequencedEvents(t *testing.T) {
	s := NewStore(0)
	s.Add(seqEvent(2))
	s.Add(model.ChatEvent{ID: "local"})
	s.Add(seqEvent(1))
	s.Add(seqEvent(3))

	require.Equal(t, []int64{1, 2, 3, 0}, storeSequences(s))
	require.Equal(t, int64(3), s.LastSequence())
}

func TestStoreTrimsFrontAndForgetsTrimmedIDs(t *testing.T) {
	s := NewStore(3)
	s.AddMany([]model.ChatEvent{seqEvent(1), seqEvent(2), seqEvent(3), seqEvent(4)})

	require.Equal(t, []int64{2, 3, 4}, storeSequences(s))

	// вытесненный ID снова принимается, но сразу же вытесняется как самый старый
	require.True(t, s.Add(seqEvent(1)))
	require.Equal(t, []int64{2, 3, 4}, storeSequences(s))

	s.Add(seqEvent(5))
	require.Equal(t, []int64{3, 4, 5}, storeSequences(s))
	require.Len(t, s.ids, 3)
}

func TestStoreAddManyNotifiesOnce(t *testing.T) {
	s := NewStore(0)

	s.AddMany([]model.ChatEvent{seqEvent(1), seqEvent(2), seqEvent(3)})
	require.Equal(t, 1, drainChanges(s))

	s.AddMany([]model.ChatEvent{seqEvent(1), seqEvent(2)})
	require.Equal(t, 0, drainChanges(s))
}

func TestStoreConcurrentLiveAndRecovery(t *testing.T) {
	s := NewStore(0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for seq := int64(1); seq <= 200; seq += 2 {
			s.Add(seqEvent(seq))
		}
	}()
	go func() {
		defer wg.Done()
		batch := make([]model.ChatEvent, 0, 200)
		for seq := int64(200); seq >= 1; seq-- {
			batch = append(batch, seqEvent(seq))
		}
		s.AddMany(batch)
	}()
	wg.Wait()

	got := storeSequences(s)
	require.Len(t, got, 200)
	for i, seq := range got {
		require.Equal(t, int64(i+1), seq)
	}
}
