package twitch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"twitch-chat-relay/model"
)

const (
	emoteURLTemplate = "https://static-cdn.jtvnw.net/emoticons/v2/%s/default/dark/1.0"
	defaultColor     = "#FFFFFF"
	defaultBadgeVer  = "1"
)

// now подменяется в тестах.
var now = time.Now

// IsPing сообщает, что строка является keep-alive от сервера.
func IsPing(line string) bool {
	return strings.HasPrefix(line, "PING")
}

// PongFor возвращает ответ на PING: та же строка с PONG вместо PING.
func PongFor(line string) string {
	return strings.Replace(line, "PING", "PONG", 1)
}

// IsReconnect сообщает, что сервер просит переподключиться (команда RECONNECT).
func IsReconnect(line string) bool {
	msg := decode(line)
	return msg != nil && msg.GetType() == twitchirc.RECONNECT
}

// ParseMessage разбирает строку PRIVMSG в ChatEvent.
// Для любой другой или повреждённой строки возвращает nil; ID и Sequence не заполняются.
func ParseMessage(line string) *model.ChatEvent {
	msg, ok := decode(line).(*twitchirc.PrivateMessage)
	if !ok || msg == nil {
		return nil
	}

	login := strings.TrimSpace(msg.User.Name)
	channel := normalizeChannel(msg.Channel)
	if login == "" || channel == "" {
		return nil
	}

	tags := msg.Tags
	if tags == nil {
		tags = map[string]string{}
	}

	username := tags["display-name"]
	if username == "" {
		username = login
	}

	color := tags["color"]
	if color == "" {
		color = defaultColor
	}

	badges := parseBadges(tags["badges"])

	return &model.ChatEvent{
		Channel:   channel,
		Username:  username,
		UserID:    tags["user-id"],
		Text:      msg.Message,
		Color:     color,
		Timestamp: sentTimestamp(tags),
		Badges:    badges,
		Emotes:    parseEmotes(tags["emotes"], msg.Message),
		Flags: model.Flags{
			IsModerator:  tags["mod"] == "1" || hasBadge(badges, "broadcaster"),
			IsSubscriber: tags["subscriber"] == "1" || hasBadge(badges, "subscriber"),
			IsVip:        hasBadge(badges, "vip"),
		},
	}
}

// decode не даёт панике внутри IRC-парсера выйти наружу: битая строка просто не распознаётся.
func decode(line string) (msg twitchirc.Message) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			msg = nil
		}
	}()

	return twitchirc.ParseMessage(line)
}

func parseBadges(raw string) []model.Badge {
	if raw == "" {
		return []model.Badge{}
	}

	parts := strings.Split(raw, ",")
	badges := make([]model.Badge, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		kind, version, _ := strings.Cut(part, "/")
		if version == "" {
			version = defaultBadgeVer
		}
		badges = append(badges, model.Badge{Type: kind, Version: version})
	}
	return badges
}

// parseEmotes раскрывает тег вида 25:0-4,12-16/1902:6-10 в отдельный эмоут на каждое вхождение.
// Смещения считаются в рунах исходного текста.
func parseEmotes(raw, text string) []model.Emote {
	if raw == "" {
		return []model.Emote{}
	}

	runes := []rune(text)
	emotes := make([]model.Emote, 0)

	for _, group := range strings.Split(raw, "/") {
		id, positions, ok := strings.Cut(group, ":")
		if !ok || id == "" || positions == "" {
			continue
		}

		for _, pos := range strings.Split(positions, ",") {
			startRaw, endRaw, ok := strings.Cut(pos, "-")
			if !ok {
				continue
			}
			start, err := strconv.Atoi(startRaw)
			if err != nil {
				continue
			}
			end, err := strconv.Atoi(endRaw)
			if err != nil {
				continue
			}
			if start < 0 || end < start || end >= len(runes) {
				continue
			}

			emotes = append(emotes, model.Emote{
				ID:        id,
				Name:      string(runes[start : end+1]),
				Positions: [][2]int{{start, end}},
				URL:       fmt.Sprintf(emoteURLTemplate, id),
			})
		}
	}

	return emotes
}

func hasBadge(badges []model.Badge, kind string) bool {
	for _, b := range badges {
		if b.Type == kind {
			return true
		}
	}
	return false
}

func sentTimestamp(tags map[string]string) int64 {
	if ts := tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return ms
		}
	}

	return now().UnixMilli()
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}
