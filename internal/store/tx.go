package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Tx exposes the per-transaction operations used inside Store.Update.
type Tx struct {
	tx *sql.Tx
}

// UpsertChat inserts or replaces a chat record. Existing pin state and tags
// survive; only the scalar columns given here are written.
func (t *Tx) UpsertChat(c Chat) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := t.tx.Exec(`
		INSERT INTO chats (id, title, content, turn_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			turn_count = excluded.turn_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Title, c.Content, c.TurnCount, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert chat %s: %w", c.ID, err)
	}
	return nil
}

// GetChat returns the chat and whether it exists.
func (t *Tx) GetChat(id string) (Chat, bool, error) {
	var c Chat
	var pinned int
	err := t.tx.QueryRow(`
		SELECT id, title, content, turn_count, pinned, updated_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.Content, &c.TurnCount, &pinned, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return Chat{}, false, nil
	}
	if err != nil {
		return Chat{}, false, fmt.Errorf("get chat %s: %w", id, err)
	}
	c.Pinned = pinned != 0
	return c, true, nil
}

// DeleteChat removes a chat; memberships and tags cascade.
func (t *Tx) DeleteChat(id string) error {
	if _, err := t.tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	return nil
}

// ListChats returns all chats ordered by most recently updated.
func (t *Tx) ListChats() ([]Chat, error) {
	rows, err := t.tx.Query(`
		SELECT id, title, content, turn_count, pinned, updated_at
		FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var pinned int
		if err := rows.Scan(&c.ID, &c.Title, &c.Content, &c.TurnCount, &pinned, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Pinned = pinned != 0
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// SetPinned toggles the pin flag.
func (t *Tx) SetPinned(chatID string, pinned bool) error {
	v := 0
	if pinned {
		v = 1
	}
	_, err := t.tx.Exec(`UPDATE chats SET pinned = ? WHERE id = ?`, v, chatID)
	return err
}

// CreateFolder inserts a folder.
func (t *Tx) CreateFolder(f Folder) error {
	if f.Workspace == "" {
		f.Workspace = "default"
	}
	_, err := t.tx.Exec(`
		INSERT INTO folders (id, name, workspace, context) VALUES (?, ?, ?, ?)`,
		f.ID, f.Name, f.Workspace, f.Context)
	if err != nil {
		return fmt.Errorf("create folder %s: %w", f.ID, err)
	}
	return nil
}

// GetFolder returns the folder and whether it exists.
func (t *Tx) GetFolder(id string) (Folder, bool, error) {
	var f Folder
	err := t.tx.QueryRow(`SELECT id, name, workspace, context FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Workspace, &f.Context)
	if err == sql.ErrNoRows {
		return Folder{}, false, nil
	}
	if err != nil {
		return Folder{}, false, err
	}
	return f, true, nil
}

// ListFolders returns all folders by name.
func (t *Tx) ListFolders() ([]Folder, error) {
	rows, err := t.tx.Query(`SELECT id, name, workspace, context FROM folders ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Name, &f.Workspace, &f.Context); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// DeleteFolder removes a folder; memberships cascade.
func (t *Tx) DeleteFolder(id string) error {
	_, err := t.tx.Exec(`DELETE FROM folders WHERE id = ?`, id)
	return err
}

// AddChatToFolder appends the chat to the folder. Adding an existing member
// is a no-op.
func (t *Tx) AddChatToFolder(folderID, chatID string) error {
	var next int
	if err := t.tx.QueryRow(`
		SELECT COALESCE(MAX(position)+1, 0) FROM folder_chats WHERE folder_id = ?`,
		folderID).Scan(&next); err != nil {
		return err
	}
	_, err := t.tx.Exec(`
		INSERT OR IGNORE INTO folder_chats (folder_id, chat_id, position)
		VALUES (?, ?, ?)`, folderID, chatID, next)
	return err
}

// RemoveChatFromFolder drops the membership.
func (t *Tx) RemoveChatFromFolder(folderID, chatID string) error {
	_, err := t.tx.Exec(`
		DELETE FROM folder_chats WHERE folder_id = ? AND chat_id = ?`, folderID, chatID)
	return err
}

// FolderChatIDs returns the chat ids in a folder, in insertion order.
func (t *Tx) FolderChatIDs(folderID string) ([]string, error) {
	rows, err := t.tx.Query(`
		SELECT chat_id FROM folder_chats WHERE folder_id = ? ORDER BY position`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FoldersContaining returns the ids of folders that reference the chat.
func (t *Tx) FoldersContaining(chatID string) ([]string, error) {
	rows, err := t.tx.Query(`
		SELECT folder_id FROM folder_chats WHERE chat_id = ? ORDER BY folder_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RewriteMembership repoints every membership of oldChat to newChat without
// duplicating rows where newChat is already a member.
func (t *Tx) RewriteMembership(oldChat, newChat string) error {
	// Drop memberships that would collide, then rename the rest.
	if _, err := t.tx.Exec(`
		DELETE FROM folder_chats WHERE chat_id = ? AND folder_id IN (
			SELECT folder_id FROM folder_chats WHERE chat_id = ?)`,
		oldChat, newChat); err != nil {
		return err
	}
	_, err := t.tx.Exec(`
		UPDATE folder_chats SET chat_id = ? WHERE chat_id = ?`, newChat, oldChat)
	return err
}

// AddTag attaches a tag; duplicate tags are ignored.
func (t *Tx) AddTag(chatID, tag string) error {
	_, err := t.tx.Exec(`
		INSERT OR IGNORE INTO chat_tags (chat_id, tag) VALUES (?, ?)`, chatID, tag)
	return err
}

// RemoveTag detaches a tag.
func (t *Tx) RemoveTag(chatID, tag string) error {
	_, err := t.tx.Exec(`
		DELETE FROM chat_tags WHERE chat_id = ? AND tag = ?`, chatID, tag)
	return err
}

// TagsFor returns the chat's tags sorted.
func (t *Tx) TagsFor(chatID string) ([]string, error) {
	rows, err := t.tx.Query(`
		SELECT tag FROM chat_tags WHERE chat_id = ? ORDER BY tag`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// RewriteTags moves oldChat's tags onto newChat, ignoring duplicates.
func (t *Tx) RewriteTags(oldChat, newChat string) error {
	if _, err := t.tx.Exec(`
		INSERT OR IGNORE INTO chat_tags (chat_id, tag)
		SELECT ?, tag FROM chat_tags WHERE chat_id = ?`, newChat, oldChat); err != nil {
		return err
	}
	_, err := t.tx.Exec(`DELETE FROM chat_tags WHERE chat_id = ?`, oldChat)
	return err
}
