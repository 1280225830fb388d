package database

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tripdesk/internal/models"
)

// historyWindow caps how many turns are replayed into the model per request.
const historyWindow = 20

type DB struct {
	conn *sql.DB
}

// Init opens the SQLite database, applies WAL mode, and runs migrations.
func Init(path string) *DB {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		log.Fatalf("database: failed to open: %v", err)
	}
	if err := conn.Ping(); err != nil {
		log.Fatalf("database: failed to ping: %v", err)
	}

	// Limit concurrent writers to avoid SQLITE_BUSY beyond the busy_timeout.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	db.migrate()
	log.Println("database: ready")
	return db
}

func (db *DB) migrate() {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
id         TEXT PRIMARY KEY,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS messages (
id              TEXT PRIMARY KEY,
conversation_id TEXT NOT NULL,
role            TEXT NOT NULL,
content         TEXT NOT NULL,
created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(conversation_id) REFERENCES conversations(id)
)`,
		`CREATE TABLE IF NOT EXISTS processed_messages (
id         TEXT PRIMARY KEY,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
	}

	for _, stmt := range migrations {
		if _, err := db.conn.Exec(stmt); err != nil {
			log.Fatalf("database: migration failed: %v", err)
		}
	}
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// ─── Conversation ─────────────────────────────────────────────────────────────

// UpsertConversation creates a conversation row if it doesn't exist.
func (db *DB) UpsertConversation(conversationID string) error {
	_, err := db.conn.Exec(
		`INSERT INTO conversations(id) VALUES(?) ON CONFLICT(id) DO NOTHING`,
		conversationID,
	)
	return err
}

// ─── Idempotency ──────────────────────────────────────────────────────────────

// MarkProcessed records an inbound wamid, returning false if it was already
// seen. WhatsApp redelivers on slow acks; duplicates must not reach the
// orchestrator twice.
func (db *DB) MarkProcessed(messageID string) (bool, error) {
	res, err := db.conn.Exec(
		`INSERT OR IGNORE INTO processed_messages(id) VALUES(?)`, messageID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ─── Context store ────────────────────────────────────────────────────────────

// SaveToContext appends one turn to a conversation's history. Blank content
// is dropped — the history must never contain empty turns.
func (db *DB) SaveToContext(conversationID, role, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	id := fmt.Sprintf("%s-%s-%d", role, conversationID, time.Now().UnixNano())
	_, err := db.conn.Exec(
		`INSERT INTO messages(id, conversation_id, role, content) VALUES(?, ?, ?, ?)`,
		id, conversationID, role, content,
	)
	return err
}

// SaveAndFetchContext appends one turn and returns the recent history window
// for the conversation, oldest first and including the turn just appended.
func (db *DB) SaveAndFetchContext(conversationID, role, content string) ([]models.ConversationTurn, error) {
	if err := db.SaveToContext(conversationID, role, content); err != nil {
		return nil, err
	}
	return db.recentTurns(conversationID, historyWindow)
}

// recentTurns returns the last n turns for a conversation, oldest first.
func (db *DB) recentTurns(conversationID string, limit int) ([]models.ConversationTurn, error) {
	rows, err := db.conn.Query(
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}

	// Reverse to get chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, rows.Err()
}
