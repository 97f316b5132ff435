package localstore

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/huddlechat/huddle/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_chats (
	group_id TEXT PRIMARY KEY,
	chat_type TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS last_seen (
	group_id TEXT NOT NULL,
	chat_type TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	seen_at TIMESTAMP NOT NULL,
	PRIMARY KEY (group_id, chat_type, chat_id)
);`

type SqliteRepository struct {
	conn *sql.DB
}

func NewSqliteRepository(path string) (*SqliteRepository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SqliteRepository{conn: db}, nil
}

func (db *SqliteRepository) Ping() error {
	return db.conn.Ping()
}

func (db *SqliteRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *SqliteRepository) ActiveChat(groupId string) (types.ChatRef, error) {
	row := db.conn.QueryRow(
		"SELECT chat_type, chat_id FROM active_chats WHERE group_id = ? LIMIT 1",
		groupId,
	)

	var chat types.ChatRef
	err := row.Scan(&chat.Type, &chat.Id)
	if err == sql.ErrNoRows {
		return types.ChatRef{}, nil
	}

	return chat, err
}

func (db *SqliteRepository) SetActiveChat(groupId string, chat types.ChatRef) error {
	_, err := db.conn.Exec(
		"INSERT INTO active_chats (group_id, chat_type, chat_id, updated_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(group_id) DO UPDATE SET chat_type = excluded.chat_type, "+
			"chat_id = excluded.chat_id, updated_at = excluded.updated_at",
		groupId,
		chat.Type,
		chat.Id,
		time.Now().UTC(),
	)

	return err
}

func (db *SqliteRepository) ClearActiveChat(groupId string) error {
	_, err := db.conn.Exec(
		"DELETE FROM active_chats WHERE group_id = ?",
		groupId,
	)

	return err
}

func (db *SqliteRepository) LastSeen(groupId string, chat types.ChatRef) (time.Time, error) {
	row := db.conn.QueryRow(
		"SELECT seen_at FROM last_seen WHERE group_id = ? AND chat_type = ? AND chat_id = ? LIMIT 1",
		groupId,
		chat.Type,
		chat.Id,
	)

	var seen time.Time
	err := row.Scan(&seen)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}

	return seen, err
}

func (db *SqliteRepository) SetLastSeen(groupId string, chat types.ChatRef, seen time.Time) error {
	_, err := db.conn.Exec(
		"INSERT INTO last_seen (group_id, chat_type, chat_id, seen_at) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(group_id, chat_type, chat_id) DO UPDATE SET seen_at = excluded.seen_at",
		groupId,
		chat.Type,
		chat.Id,
		seen.UTC(),
	)

	return err
}
