package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding sessions, messages, and documents.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docsage.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the SQLite vector index can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate applies embedded SQL migration files that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --- Sessions ---

// CreateSession inserts a new session. An empty id generates one; an empty
// title defaults to "New Conversation".
func (s *Store) CreateSession(id, title string) (Session, error) {
	if id == "" {
		id = newID()
	}
	if title == "" {
		title = "New Conversation"
	}
	now := time.Now().UTC()
	sess := Session{
		ID:        id,
		Title:     title,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, "{}", now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(id string) (Session, error) {
	var sess Session
	var metadata, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT session_id, title, metadata, created_at, updated_at
		FROM sessions WHERE session_id = ?`, id,
	).Scan(&sess.ID, &sess.Title, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	return hydrateSession(sess, metadata, createdAt, updatedAt)
}

// ListSessions returns sessions ordered by updated_at descending.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, title, metadata, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC, session_id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Session
	for rows.Next() {
		var sess Session
		var metadata, createdAt, updatedAt string
		if err := rows.Scan(&sess.ID, &sess.Title, &metadata, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sess, err = hydrateSession(sess, metadata, createdAt, updatedAt)
		if err != nil {
			return nil, err
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

// DeleteSession removes a session; its messages go with it via the
// ON DELETE CASCADE foreign key.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE session_id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func hydrateSession(sess Session, metadata, createdAt, updatedAt string) (Session, error) {
	if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
		return Session{}, fmt.Errorf("parsing session metadata: %w", err)
	}
	var err error
	if sess.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

// --- Messages ---

// AppendMessage inserts a message and bumps the session's updated_at to the
// message's creation time. updated_at never moves backwards.
func (s *Store) AppendMessage(sessionID, role, content string, citations []Citation) (Message, error) {
	if citations == nil {
		citations = []Citation{}
	}
	citJSON, err := json.Marshal(citations)
	if err != nil {
		return Message{}, fmt.Errorf("marshalling citations: %w", err)
	}

	now := time.Now().UTC()
	msg := Message{
		ID:        newID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Citations: citations,
		CreatedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sessions WHERE session_id = ?", sessionID).Scan(&exists); err != nil {
		return Message{}, err
	}
	if exists == 0 {
		return Message{}, ErrNotFound
	}

	ts := now.Format(timeFormat)
	if _, err := tx.Exec(`
		INSERT INTO messages (message_id, session_id, role, content, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, role, content, string(citJSON), ts,
	); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.Exec(`
		UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE session_id = ?`,
		ts, sessionID,
	); err != nil {
		return Message{}, fmt.Errorf("bumping session updated_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing append: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages ordered by created_at ascending.
func (s *Store) ListMessages(sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, session_id, role, content, citations, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, message_id LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var citations, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &citations, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("parsing citations for message %s: %w", m.ID, err)
		}
		if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// RecentMessages returns the last n messages of a session in
// chronological order. Used to build the conversation window for
// answer synthesis.
func (s *Store) RecentMessages(sessionID string, n int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT message_id, session_id, role, content, citations, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, message_id DESC LIMIT ?`, sessionID, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var citations, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &citations, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("parsing citations for message %s: %w", m.ID, err)
		}
		if m.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		results = append(results, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into oldest-first order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

// --- Documents ---

// CreateDocument inserts a document record with status "processing". An
// empty id generates one.
func (s *Store) CreateDocument(id, filename string, size int64, fileType string, metadata map[string]string) (Document, error) {
	if id == "" {
		id = newID()
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Document{}, fmt.Errorf("marshalling metadata: %w", err)
	}

	now := time.Now().UTC()
	doc := Document{
		ID:         id,
		Filename:   filename,
		FileSize:   size,
		FileType:   fileType,
		Status:     StatusProcessing,
		Metadata:   metadata,
		UploadedAt: now,
	}
	_, err = s.db.Exec(`
		INSERT INTO documents (doc_id, filename, file_size, file_type, chunk_count, status, metadata, uploaded_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, filename, size, fileType, StatusProcessing, string(metaJSON), now.Format(timeFormat),
	)
	if err != nil {
		return Document{}, fmt.Errorf("inserting document: %w", err)
	}
	return doc, nil
}

// UpdateDocumentStatus sets a document's status and chunk count. Re-running
// with the same values is a no-op with respect to observable state.
func (s *Store) UpdateDocumentStatus(id, status string, chunkCount int) error {
	res, err := s.db.Exec(`
		UPDATE documents SET status = ?, chunk_count = ? WHERE doc_id = ?`,
		status, chunkCount, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetDocument(id string) (Document, error) {
	var doc Document
	var metadata, uploadedAt string
	err := s.db.QueryRow(`
		SELECT doc_id, filename, file_size, file_type, chunk_count, status, metadata, uploaded_at
		FROM documents WHERE doc_id = ?`, id,
	).Scan(&doc.ID, &doc.Filename, &doc.FileSize, &doc.FileType, &doc.ChunkCount, &doc.Status, &metadata, &uploadedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
		return Document{}, fmt.Errorf("parsing document metadata: %w", err)
	}
	if doc.UploadedAt, err = time.Parse(timeFormat, uploadedAt); err != nil {
		return Document{}, fmt.Errorf("parsing uploaded_at: %w", err)
	}
	return doc, nil
}

// ListDocuments returns documents ordered by upload time descending.
// An empty status returns all documents.
func (s *Store) ListDocuments(status string) ([]Document, error) {
	query := `SELECT doc_id, filename, file_size, file_type, chunk_count, status, metadata, uploaded_at
		FROM documents`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY uploaded_at DESC, doc_id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var doc Document
		var metadata, uploadedAt string
		if err := rows.Scan(&doc.ID, &doc.Filename, &doc.FileSize, &doc.FileType, &doc.ChunkCount, &doc.Status, &metadata, &uploadedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata for document %s: %w", doc.ID, err)
		}
		if doc.UploadedAt, err = time.Parse(timeFormat, uploadedAt); err != nil {
			return nil, fmt.Errorf("parsing uploaded_at for document %s: %w", doc.ID, err)
		}
		results = append(results, doc)
	}
	return results, rows.Err()
}

// DeleteDocument removes a document record. Callers must delete the
// document's vectors from the index first; this only covers the row.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec("DELETE FROM documents WHERE doc_id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Stats ---

// GetStats counts sessions, messages, and completed documents.
func (s *Store) GetStats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.Sessions); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&st.Messages); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM documents WHERE status = ?", StatusCompleted).Scan(&st.Documents); err != nil {
		return Stats{}, err
	}
	return st, nil
}
