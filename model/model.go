package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChatEvent — нормализованное сообщение чата Twitch с порядковым номером.
// После создания не изменяется: буфер и подписчики получают копии.
type ChatEvent struct {
	ID        string  `json:"id"`
	Sequence  int64   `json:"sequence"`
	Channel   string  `json:"channel"`
	Username  string  `json:"username"`
	UserID    string  `json:"userId"`
	Text      string  `json:"text"`
	Color     string  `json:"color"`
	Timestamp int64   `json:"timestamp"`
	Badges    []Badge `json:"badges"`
	Emotes    []Emote `json:"emotes"`
	Flags
}

// Badge — значок пользователя из тега badges, например subscriber/12.
type Badge struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Emote описывает одно вхождение эмоута в тексте сообщения.
// Positions — включительные границы [start, end] в рунах исходного текста.
type Emote struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Positions [][2]int `json:"positions"`
	URL       string   `json:"url"`
}

// Flags хранит производные признаки автора сообщения.
type Flags struct {
	IsModerator  bool `json:"isModerator"`
	IsSubscriber bool `json:"isSubscriber"`
	IsVip        bool `json:"isVip"`
}

// SentAt возвращает время отправки, сообщённое Twitch.
func (e ChatEvent) SentAt() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Heartbeat описывает keep-alive событие потока.
// CurrentSequence используется клиентами для обнаружения пропусков.
type Heartbeat struct {
	Timestamp       int64    `json:"timestamp"`
	CurrentSequence int64    `json:"currentSequence"`
	ActiveChannels  []string `json:"activeChannels"`
}

// SyncResponse описывает ответ на запрос догрузки после lastSequence.
type SyncResponse struct {
	CurrentSequence int64       `json:"currentSequence"`
	OldestSequence  int64       `json:"oldestSequence"`
	LastSequence    int64       `json:"lastSequence"`
	MissedCount     int         `json:"missedCount"`
	Messages        []ChatEvent `json:"messages"`
}

// RangeResponse описывает ответ на запрос диапазона [from, to].
type RangeResponse struct {
	From     int64       `json:"from"`
	To       int64       `json:"to"`
	Count    int         `json:"count"`
	Messages []ChatEvent `json:"messages"`
}

// BufferStats описывает снимок состояния буфера.
type BufferStats struct {
	TotalMessages   int            `json:"totalMessages"`
	MaxSize         int            `json:"maxSize"`
	CurrentSequence int64          `json:"currentSequence"`
	Channels        map[string]int `json:"channels"`
}

// NewEventID собирает идентификатор вида <время прихода в мс>-<канал>-<случайный суффикс>.
func NewEventID(arrived time.Time, channel string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%d-%s-%s", arrived.UnixMilli(), channel, suffix)
}
