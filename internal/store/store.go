// Package store implements the chatdex organizational database: chats,
// folders, tags, pins, and workspaces over SQLite.
//
// The store is mutated by several independent call paths (extraction
// completion, tag edits, pin toggles, folder moves) that can race. All
// read-modify-write sequences go through Update, which serializes them on a
// single mutex around one SQLite transaction, so concurrent operations never
// silently overwrite each other.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatdex/internal/logging"

	_ "modernc.org/sqlite"
)

// Chat is one conversation record. ID is either a real application id or a
// surrogate (chat_<hash>) awaiting reconciliation.
type Chat struct {
	ID        string
	Title     string
	Content   string
	TurnCount int
	Pinned    bool
	UpdatedAt time.Time
}

// Folder groups chats inside a workspace.
type Folder struct {
	ID        string
	Name      string
	Workspace string
	Context   string // seeded folder context injected into new sessions
}

// Snapshot is a consistent read of the organizational state.
type Snapshot struct {
	Chats    []Chat
	Folders  []Folder
	Members  map[string][]string // folder id -> chat ids, insertion order
	Tags     map[string][]string // chat id -> tags
	TakenAt  time.Time
}

// Store owns the SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes Update transactions
	dbPath string
}

// New opens (or creates) the database at path. ":memory:" is supported for
// tests.
func New(path string) (*Store, error) {
	logging.Store("opening store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			workspace TEXT NOT NULL DEFAULT 'default',
			context TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			turn_count INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS folder_chats (
			folder_id TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (folder_id, chat_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_tags (
			chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (chat_id, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_folder_chats_chat ON folder_chats(chat_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chats_updated ON chats(updated_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside a single serialized transaction. This is the only
// write path; see the package comment.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	tx := &Tx{tx: dbTx}
	if err := fn(tx); err != nil {
		_ = dbTx.Rollback()
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// View runs fn inside a read-only transaction, serialized with writers.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.Update(fn)
}

// GetSnapshot returns a consistent view of the whole organizational state.
func (s *Store) GetSnapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Members: make(map[string][]string),
		Tags:    make(map[string][]string),
		TakenAt: time.Now(),
	}
	err := s.View(func(tx *Tx) error {
		var err error
		if snap.Chats, err = tx.ListChats(); err != nil {
			return err
		}
		if snap.Folders, err = tx.ListFolders(); err != nil {
			return err
		}
		for _, f := range snap.Folders {
			ids, err := tx.FolderChatIDs(f.ID)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				snap.Members[f.ID] = ids
			}
		}
		for _, c := range snap.Chats {
			tags, err := tx.TagsFor(c.ID)
			if err != nil {
				return err
			}
			if len(tags) > 0 {
				snap.Tags[c.ID] = tags
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SaveContent records freshly extracted content for a chat, creating the
// record if needed. Last write wins; no history is retained.
func (s *Store) SaveContent(id, title, text string, turnCount int) error {
	return s.Update(func(tx *Tx) error {
		return tx.UpsertChat(Chat{
			ID:        id,
			Title:     title,
			Content:   text,
			TurnCount: turnCount,
			UpdatedAt: time.Now(),
		})
	})
}
