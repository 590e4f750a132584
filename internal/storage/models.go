package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// timeFormat is RFC 3339 with a fixed-width fractional second so that the
// stored strings sort lexicographically in timestamp order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Document statuses.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session is one conversation thread.
type Session struct {
	ID        string            `json:"session_id"`
	Title     string            `json:"title"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Citation points back at the chunk an answer span was drawn from.
type Citation struct {
	Filename  string `json:"filename"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
	ChunkID   string `json:"chunk_id"`
}

// Message is one turn in a session. Append-only.
type Message struct {
	ID        string     `json:"message_id"`
	SessionID string     `json:"session_id"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
	CreatedAt time.Time  `json:"created_at"`
}

// Document is one uploaded file's bookkeeping record.
type Document struct {
	ID         string            `json:"doc_id"`
	Filename   string            `json:"filename"`
	FileSize   int64             `json:"file_size"`
	FileType   string            `json:"file_type"`
	ChunkCount int               `json:"chunk_count"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	UploadedAt time.Time         `json:"uploaded_at"`
}

// Stats are system-wide record counts. Documents counts completed ones only.
type Stats struct {
	Sessions  int `json:"sessions"`
	Messages  int `json:"messages"`
	Documents int `json:"documents"`
}
