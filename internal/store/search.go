package store

// SearchMessages performs a full-text search on cached message bodies.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.chat_id, m.msg_id, m.provisional, m.sender_id, m.sender_name, m.body,
		       m.message_type, m.forwarded, m.reply_to, m.from_me, m.delivered, m.read,
		       m.read_at, m.timestamp,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var snippet string
		var msgID string
		var provisional bool
		if err := rows.Scan(
			&r.Message.ChatID, &msgID, &provisional, &r.Message.SenderID, &r.Message.SenderName,
			&r.Message.Body, &r.Message.MessageType, &r.Message.Forwarded, &r.Message.ReplyToID,
			&r.Message.FromMe, &r.Message.Delivered, &r.Message.Read, &r.Message.ReadAt,
			&r.Message.Timestamp, &snippet,
		); err != nil {
			return nil, err
		}
		r.Message.ID = MessageID{v: msgID, provisional: provisional}
		r.Snippet = snippet
		results = append(results, r)
	}
	return results, rows.Err()
}
