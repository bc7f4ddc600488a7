package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
create table if not exists chat_events (
  sequence      bigint      not null,
  event_id      text        primary key,
  channel       text        not null,
  user_id       text,
  username      text        not null,
  text          text        not null,
  badges        jsonb       not null default '[]',
  emotes        jsonb       not null default '[]',
  color         text,
  is_mod        boolean     not null default false,
  is_subscriber boolean     not null default false,
  is_vip        boolean     not null default false,
  sent_at       timestamptz not null,
  archived_at   timestamptz not null default now()
);
create index if not exists chat_events_channel_sent_at on chat_events (channel, sent_at);`

// EnsureSchema создаёт таблицу архива, если её ещё нет, с учётом заданного таймаута.
func EnsureSchema(ctx context.Context, db execer, timeout time.Duration) error {
	dbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := db.Exec(dbCtx, schema); err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}
