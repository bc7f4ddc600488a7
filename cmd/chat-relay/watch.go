package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"twitch-chat-relay/backoff"
	"twitch-chat-relay/fanout"
	"twitch-chat-relay/logging"
	"twitch-chat-relay/model"
	"twitch-chat-relay/viewer"
)

func newWatchCmd() *cobra.Command {
	var (
		server, channels, exclude, cursor, logLevel string
		maxMessages                                 int
		jsonOut                                     bool
		policy                                      = backoff.Default()
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Читать поток ретранслятора и догружать пропущенные сообщения",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			log := logging.New(logLevel, "console")
			out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

			session, err := viewer.NewSession(viewer.SessionConfig{
				BaseURL:     strings.TrimRight(server, "/"),
				Filter:      fanout.ParseFilter(channels, exclude),
				Policy:      policy,
				MaxMessages: maxMessages,
				CursorPath:  cursor,
			}, log, viewer.WithEventHook(func(ev viewer.Event) {
				if ev.Kind == viewer.EventGap {
					fmt.Fprintf(errOut, "-- пропуск после #%d (сервер на #%d), догружаю\n", ev.Gap.From, ev.Gap.To)
				}
			}))
			if err != nil {
				return err
			}

			// печать идёт из ленты: туда попадают и живые, и догруженные сообщения
			followCtx, stopFollow := context.WithCancel(context.Background())
			followed := make(chan struct{})
			go func() {
				defer close(followed)
				viewer.Follow(followCtx, session.Store(), func(ev model.ChatEvent) {
					printMessage(out, ev, jsonOut)
				})
			}()

			runErr := session.Run(ctx)
			stopFollow()
			<-followed

			if runErr != nil {
				return fmt.Errorf("watch: %w", runErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:3000", "адрес ретранслятора")
	cmd.Flags().StringVar(&channels, "channels", "", "только эти каналы (через запятую)")
	cmd.Flags().StringVar(&exclude, "exclude", "", "исключить каналы (через запятую)")
	cmd.Flags().StringVar(&cursor, "cursor", viewer.DefaultCursorFile, "файл курсора; пустая строка отключает")
	cmd.Flags().IntVar(&maxMessages, "max-messages", 500, "размер локальной ленты")
	cmd.Flags().IntVar(&policy.MaxAttempts, "max-attempts", policy.MaxAttempts, "попыток переподключения подряд")
	cmd.Flags().DurationVar(&policy.Base, "reconnect-base", policy.Base, "начальная задержка переподключения")
	cmd.Flags().DurationVar(&policy.Max, "reconnect-max", policy.Max, "максимальная задержка переподключения")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "уровень логов")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "печатать сообщения как JSON")

	return cmd
}

func printMessage(w io.Writer, ev model.ChatEvent, asJSON bool) {
	if asJSON {
		_ = json.NewEncoder(w).Encode(ev)
		return
	}
	fmt.Fprintf(w, "%d [#%s] %s: %s\n", ev.Sequence, ev.Channel, ev.Username, ev.Text)
}
