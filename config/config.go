package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
)

// Config агрегирует значения конфигурации из переменных окружения (и необязательного .env).
// Собирается один раз при старте и дальше передаётся компонентам как неизменяемый снимок.
type Config struct {
	Server  ServerConfig  `envconfig:"SERVER"`
	Twitch  TwitchConfig  `envconfig:"TWITCH"`
	Buffer  BufferConfig  `envconfig:"BUFFER"`
	SSE     SSEConfig     `envconfig:"SSE"`
	Log     LogConfig     `envconfig:"LOG"`
	Archive ArchiveConfig `envconfig:"ARCHIVE"`
}

// ServerConfig задаёт адрес HTTP сервера: SERVER_HOST и SERVER_PORT (или просто PORT).
type ServerConfig struct {
	Host string `default:"0.0.0.0"`
	Port int    `default:"3000" validate:"min=1,max=65535"`
}

// Addr собирает адрес для net.Listen.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// TwitchConfig содержит каналы и параметры переподключения анонимного IRC клиента.
type TwitchConfig struct {
	IrcURL            string        `split_words:"true" default:"wss://irc-ws.chat.twitch.tv:443" validate:"required,url"`
	Channels          []string      `validate:"min=1,dive,required"`
	ReconnectBase     time.Duration `split_words:"true" default:"1s" validate:"gt=0"`
	ReconnectMax      time.Duration `split_words:"true" default:"30s" validate:"gtefield=ReconnectBase"`
	ReconnectAttempts int           `split_words:"true" default:"10" validate:"min=1"`
}

// BufferConfig задаёт границы буфера сообщений.
type BufferConfig struct {
	MaxSize      int           `split_words:"true" default:"1000" validate:"min=1"`
	TTL          time.Duration `default:"10m" validate:"gt=0"`
	CleanupEvery time.Duration `split_words:"true" default:"30s" validate:"gt=0"`
}

// SSEConfig задаёт параметры исходящего потока событий.
type SSEConfig struct {
	HeartbeatInterval time.Duration `split_words:"true" default:"15s" validate:"gt=0"`
	RetryMs           int           `split_words:"true" default:"3000" validate:"min=0"`
	QueueSize         int           `split_words:"true" default:"512" validate:"min=1"`
}

// LogConfig задаёт уровень и формат логов zerolog.
type LogConfig struct {
	Level  string `default:"info" validate:"oneof=trace debug info warn error"`
	Format string `default:"console" validate:"oneof=console json"`
}

// ArchiveConfig задаёт параметры батчинга архива в Postgres. Пустой DSN выключает архив.
type ArchiveConfig struct {
	PostgresDSN   string        `split_words:"true"`
	MaxBatch      int           `split_words:"true" default:"100" validate:"min=1"`
	FlushEvery    time.Duration `split_words:"true" default:"1500ms" validate:"gt=0"`
	ChanBuffer    int           `split_words:"true" default:"4096" validate:"min=1"`
	StatsLogEvery time.Duration `split_words:"true" default:"5m" validate:"gt=0"`
	FlushTimeout  time.Duration `split_words:"true" default:"5s" validate:"gt=0"`
}

// Enabled сообщает, настроен ли архив.
func (a ArchiveConfig) Enabled() bool {
	return strings.TrimSpace(a.PostgresDSN) != ""
}

// Load читает переменные окружения и возвращает валидированную Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := applyBarePort(&cfg.Server); err != nil {
		return Config{}, err
	}

	cfg.Twitch.Channels = NormalizeChannels(cfg.Twitch.Channels)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Twitch.Channels) == 0 {
		return errors.New("требуется TWITCH_CHANNELS")
	}

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("некорректное значение %s (%s=%s)", verrs[0].Namespace(), verrs[0].Tag(), verrs[0].Param())
		}
		return fmt.Errorf("config: validate: %w", err)
	}

	return nil
}

// Поля читаются только с префиксом группы (split_words без тега envconfig): с тегом envconfig
// пакет берёт и голое имя, а HOST, LEVEL или FORMAT часто выставлены самой оболочкой.
// Исключение одно: PORT, который задают хостинги.
type barePort struct {
	Port int `envconfig:"PORT"`
}

func applyBarePort(server *ServerConfig) error {
	if _, ok := os.LookupEnv("SERVER_PORT"); ok {
		return nil
	}

	var env barePort
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if env.Port != 0 {
		server.Port = env.Port
	}
	return nil
}

// NormalizeChannels приводит имена каналов к нижнему регистру без '#' и убирает пустые и повторы.
func NormalizeChannels(channels []string) []string {
	out := lo.FilterMap(channels, func(ch string, _ int) (string, bool) {
		ch = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ch), "#")))
		return ch, ch != ""
	})
	return lo.Uniq(out)
}

// SplitChannels разбирает список каналов через запятую.
func SplitChannels(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	return NormalizeChannels(strings.Split(csv, ","))
}
