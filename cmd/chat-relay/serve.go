package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"twitch-chat-relay/api"
	"twitch-chat-relay/buffer"
	"twitch-chat-relay/config"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/logging"
	"twitch-chat-relay/metrics"
	"twitch-chat-relay/service"
	"twitch-chat-relay/storage"
	"twitch-chat-relay/twitch"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Подключиться к Twitch и раздавать чат по HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return serve(ctx, cfg, logging.New(cfg.Log.Level, cfg.Log.Format))
		},
	}
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	metrics.Register()

	buf := buffer.New(buffer.Config{MaxSize: cfg.Buffer.MaxSize, TTL: cfg.Buffer.TTL})
	fan := fanout.NewManager(buf, fanout.Config{
		HeartbeatInterval: cfg.SSE.HeartbeatInterval,
		RetryMs:           cfg.SSE.RetryMs,
		QueueSize:         cfg.SSE.QueueSize,
	}, log)

	// nil интерфейс, а не nil *Batcher: иначе Handler решит, что архив есть
	var archive service.Archive
	if cfg.Archive.Enabled() {
		batcher, closeArchive, err := openArchive(ctx, cfg.Archive, log)
		if err != nil {
			return err
		}
		defer closeArchive()
		archive = batcher
	}

	client := twitch.NewClient(cfg.Twitch, log)
	handler := service.NewHandler(buf, fan, archive, log)
	svc := service.New(client, handler, cfg.Buffer.CleanupEvery, log)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           api.NewServer(client, buf, fan, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Strs("channels", cfg.Twitch.Channels).Msg("HTTP сервер запущен")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	svcCtx, stopSvc := context.WithCancel(ctx)
	defer stopSvc()
	svcErr := make(chan error, 1)
	go func() { svcErr <- svc.Run(svcCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		runErr = fmt.Errorf("http: %w", err)
	}

	log.Info().Msg("остановка...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP сервер остановлен с ошибкой")
	}

	stopSvc()
	if err := <-svcErr; err != nil {
		log.Error().Err(err).Msg("Twitch клиент завершился с ошибкой")
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

// openArchive подключает Postgres, создаёт таблицу и запускает батчер.
// Возвращённая функция дожидается сброса очереди и закрывает пул.
func openArchive(ctx context.Context, cfg config.ArchiveConfig, log zerolog.Logger) (*storage.Batcher, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: pgxpool.New: %w", err)
	}

	if err := storage.EnsureSchema(ctx, pool, cfg.FlushTimeout); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// батчер живёт дольше сервиса, чтобы успеть записать хвост очереди
	batchCtx, stop := context.WithCancel(context.Background())
	batcher := storage.NewBatcher(batchCtx, pool, storage.BatchConfig{
		MaxBatch:      cfg.MaxBatch,
		FlushEvery:    cfg.FlushEvery,
		ChanBuffer:    cfg.ChanBuffer,
		StatsLogEvery: cfg.StatsLogEvery,
		FlushTimeout:  cfg.FlushTimeout,
	}, log)
	log.Info().Msg("архив в Postgres включён")

	return batcher, func() {
		stop()
		<-batcher.Done()
		pool.Close()
	}, nil
}
