package viewer

import (
	"context"

	"twitch-chat-relay/model"
)

// Follow вызывает fn для каждого нового события ленты, пока ctx не отменён.
// За один проход события выдаются по возрастанию номеров; догруженные выдаются,
// когда попадают в ленту, даже если более поздние уже выданы. После отмены выполняется
// последний проход, чтобы не потерять хвост. У ленты должен быть один Follow.
func Follow(ctx context.Context, store *Store, fn func(model.ChatEvent)) {
	seen := make(map[string]struct{})
	pass := func() {
		events := store.Events()
		current := make(map[string]struct{}, len(events))
		for _, ev := range events {
			current[ev.ID] = struct{}{}
			if _, ok := seen[ev.ID]; !ok {
				fn(ev)
			}
		}
		seen = current
	}

	pass()
	for {
		select {
		case <-ctx.Done():
			pass()
			return
		case <-store.Changes():
			pass()
		}
	}
}
