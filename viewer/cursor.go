package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultCursorFile используется, когда путь к файлу курсора не задан.
const DefaultCursorFile = ".chat-relay/cursor.json"

// Cursor хранит последний полученный номер события для продолжения после перезапуска.
type Cursor struct {
	LastSequence int64
	UpdatedAt    time.Time
}

// FileCursorStore хранит Cursor в JSON файле.
type FileCursorStore struct {
	Path string
}

type fileCursor struct {
	LastSequence int64  `json:"last_sequence"`
	UpdatedAt    string `json:"updated_at"`
}

func (store FileCursorStore) cursorPath() string {
	if strings.TrimSpace(store.Path) == "" {
		return DefaultCursorFile
	}
	return store.Path
}

// Load читает курсор. Если файла нет, возвращает (nil, nil).
func (store FileCursorStore) Load() (*Cursor, error) {
	data, err := os.ReadFile(store.cursorPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load cursor: read file: %w", err)
	}

	var payload fileCursor
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("load cursor: decode json: %w", err)
	}

	var updatedAt time.Time
	if payload.UpdatedAt != "" {
		updatedAt, err = time.Parse(time.RFC3339, payload.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("load cursor: parse updated_at: %w", err)
		}
	}

	return &Cursor{LastSequence: payload.LastSequence, UpdatedAt: updatedAt}, nil
}

// Save записывает курсор, создавая каталог при необходимости.
func (store FileCursorStore) Save(cursor Cursor) error {
	path := store.cursorPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("save cursor: create dir: %w", err)
	}

	data, err := json.Marshal(fileCursor{
		LastSequence: cursor.LastSequence,
		UpdatedAt:    cursor.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("save cursor: encode json: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save cursor: write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("save cursor: rename: %w", err)
	}

	return nil
}
