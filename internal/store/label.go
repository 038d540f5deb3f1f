package store

// UpsertLabel inserts or updates a label definition.
func (db *DB) UpsertLabel(l *Label) error {
	_, err := db.Exec(`
		INSERT INTO labels (id, name, color) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, color = excluded.color`,
		l.ID, l.Name, l.Color)
	return err
}

// ListLabels returns all cached label definitions.
func (db *DB) ListLabels() ([]Label, error) {
	rows, err := db.Query(`SELECT id, name, color FROM labels ORDER BY name`)
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

// AssignLabel attaches a label to a chat.
func (db *DB) AssignLabel(chatID, labelID string) error {
	_, err := db.Exec(`
		INSERT INTO chat_labels (chat_id, label_id) VALUES (?, ?)
		ON CONFLICT DO NOTHING`, chatID, labelID)
	return err
}

// RemoveLabel detaches a label from a chat.
func (db *DB) RemoveLabel(chatID, labelID string) error {
	_, err := db.Exec(`DELETE FROM chat_labels WHERE chat_id = ? AND label_id = ?`, chatID, labelID)
	return err
}
