package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on chat_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_id, provisional, sender_id, sender_name, body, message_type, forwarded, reply_to, from_me, delivered, read, read_at, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			delivered = excluded.delivered,
			read = excluded.read,
			read_at = excluded.read_at`,
		m.ChatID, m.ID.Value(), m.ID.Provisional(), m.SenderID, m.SenderName, m.Body, m.MessageType,
		m.Forwarded, m.ReplyToID, m.FromMe, m.Delivered, m.Read, m.ReadAt, m.Timestamp, now)
	return err
}

// ReplaceChatMessages replaces the cached working set for a chat with a
// freshly fetched server-ordered list. Provisional rows are kept: they belong
// to in-flight sends the server does not know about yet.
func (db *DB) ReplaceChatMessages(chatID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ? AND provisional = 0`, chatID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		if _, err := tx.Exec(`
			INSERT INTO messages (chat_id, msg_id, provisional, sender_id, sender_name, body, message_type, forwarded, reply_to, from_me, delivered, read, read_at, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, msg_id) DO UPDATE SET
				sender_name = excluded.sender_name,
				body = excluded.body,
				delivered = excluded.delivered,
				read = excluded.read,
				read_at = excluded.read_at`,
			m.ChatID, m.ID.Value(), m.ID.Provisional(), m.SenderID, m.SenderName, m.Body, m.MessageType,
			m.Forwarded, m.ReplyToID, m.FromMe, m.Delivered, m.Read, m.ReadAt, m.Timestamp, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListMessages returns all cached messages for a chat ascending by creation
// time.
func (db *DB) ListMessages(chatID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT chat_id, msg_id, provisional, sender_id, sender_name, body, message_type, forwarded, reply_to, from_me, delivered, read, read_at, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a message row. Used when a failed send rolls back its
// provisional entry.
func (db *DB) DeleteMessage(chatID string, id MessageID) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, id.Value())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (*Message, error) {
	var m Message
	var msgID string
	var provisional bool
	if err := rows.Scan(&m.ChatID, &msgID, &provisional, &m.SenderID, &m.SenderName, &m.Body, &m.MessageType,
		&m.Forwarded, &m.ReplyToID, &m.FromMe, &m.Delivered, &m.Read, &m.ReadAt, &m.Timestamp); err != nil {
		return nil, err
	}
	if provisional {
		m.ID = MessageID{v: msgID, provisional: true}
	} else {
		m.ID = ServerID(msgID)
	}
	return &m, nil
}
