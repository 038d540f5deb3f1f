package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertChat inserts or updates a chat record (idempotent on id).
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO chats (id, name, is_group, unread, last_message, last_sender, last_message_at, participants, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			unread = excluded.unread,
			last_message = excluded.last_message,
			last_sender = excluded.last_sender,
			last_message_at = excluded.last_message_at,
			participants = excluded.participants,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.IsGroup, c.Unread, c.LastMessage, c.LastSender, c.LastMessageAt, string(participants), now)
	if err != nil {
		return err
	}
	return db.replaceChatLabels(c.ID, c.Labels)
}

// UpsertChats writes a full chat list in one transaction. Used as the
// write-through for chat-list bulk loads.
func (db *DB) UpsertChats(chats []Chat) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range chats {
		c := &chats[i]
		participants, err := json.Marshal(c.Participants)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO chats (id, name, is_group, unread, last_message, last_sender, last_message_at, participants, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				is_group = excluded.is_group,
				unread = excluded.unread,
				last_message = excluded.last_message,
				last_sender = excluded.last_sender,
				last_message_at = excluded.last_message_at,
				participants = excluded.participants,
				updated_at = excluded.updated_at`,
			c.ID, c.Name, c.IsGroup, c.Unread, c.LastMessage, c.LastSender, c.LastMessageAt, string(participants), now); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM chat_labels WHERE chat_id = ?`, c.ID); err != nil {
			return err
		}
		for _, l := range c.Labels {
			if _, err := tx.Exec(`
				INSERT INTO labels (id, name, color) VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color`,
				l.ID, l.Name, l.Color); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				INSERT INTO chat_labels (chat_id, label_id) VALUES (?, ?)
				ON CONFLICT DO NOTHING`, c.ID, l.ID); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// ListChats returns all cached chats sorted by last message timestamp
// descending, with labels attached.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT id, name, is_group, unread, last_message, last_sender, last_message_at, participants, updated_at
		FROM chats
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var participants string
		if err := rows.Scan(&c.ID, &c.Name, &c.IsGroup, &c.Unread, &c.LastMessage, &c.LastSender, &c.LastMessageAt, &participants, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			c.Participants = nil
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range chats {
		labels, err := db.chatLabels(chats[i].ID)
		if err != nil {
			return nil, err
		}
		chats[i].Labels = labels
	}
	return chats, nil
}

// GetChat returns a single chat by id, or nil if not cached.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	var participants string
	err := db.QueryRow(`
		SELECT id, name, is_group, unread, last_message, last_sender, last_message_at, participants, updated_at
		FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &c.IsGroup, &c.Unread, &c.LastMessage, &c.LastSender, &c.LastMessageAt, &participants, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		c.Participants = nil
	}
	c.Labels, err = db.chatLabels(c.ID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) chatLabels(chatID string) ([]Label, error) {
	rows, err := db.Query(`
		SELECT l.id, l.name, l.color
		FROM chat_labels cl JOIN labels l ON l.id = cl.label_id
		WHERE cl.chat_id = ?
		ORDER BY l.name`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var labels []Label
	for rows.Next() {
		var l Label
		if err := rows.Scan(&l.ID, &l.Name, &l.Color); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func (db *DB) replaceChatLabels(chatID string, labels []Label) error {
	if _, err := db.Exec(`DELETE FROM chat_labels WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	for _, l := range labels {
		if err := db.UpsertLabel(&l); err != nil {
			return err
		}
		if _, err := db.Exec(`
			INSERT INTO chat_labels (chat_id, label_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, chatID, l.ID); err != nil {
			return err
		}
	}
	return nil
}
