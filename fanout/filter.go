package fanout

import (
	"slices"

	"github.com/samber/lo"

	"twitch-chat-relay/config"
	"twitch-chat-relay/model"
)

// Filter ограничивает набор каналов подписчика. Пустой список означает «без ограничения».
type Filter struct {
	Channels []string `json:"channels"`
	Exclude  []string `json:"exclude"`
}

// ParseFilter разбирает параметры channels и exclude (списки через запятую).
func ParseFilter(channels, exclude string) Filter {
	return Filter{
		Channels: config.SplitChannels(channels),
		Exclude:  config.SplitChannels(exclude),
	}
}

// Allows сообщает, нужно ли доставлять подписчику событие из channel.
func (f Filter) Allows(channel string) bool {
	if len(f.Channels) > 0 && !slices.Contains(f.Channels, channel) {
		return false
	}
	return !slices.Contains(f.Exclude, channel)
}

// Keep проверяет канал события через Allows.
func (f Filter) Keep(ev model.ChatEvent) bool {
	return f.Allows(ev.Channel)
}

// Apply оставляет только разрешённые фильтром события.
func (f Filter) Apply(events []model.ChatEvent) []model.ChatEvent {
	return lo.Filter(events, func(ev model.ChatEvent, _ int) bool {
		return f.Allows(ev.Channel)
	})
}
