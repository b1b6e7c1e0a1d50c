package domain

import (
	"fmt"
	"time"
)

type SectionKind string

const (
	SectionFull      SectionKind = "full"
	SectionParagraph SectionKind = "paragraph"
	SectionSentences SectionKind = "sentences"
	SectionWindow    SectionKind = "window"
)

// Chunk is an immutable segment of a long-form record.
type Chunk struct {
	DocumentID string      `json:"document_id"`
	ChunkIndex int         `json:"chunk_index"`
	Content    string      `json:"content"`
	Section    SectionKind `json:"section"`
	TokenCount int         `json:"token_count"`
	StartChar  int         `json:"start_char"`
	EndChar    int         `json:"end_char"`
}

type VectorEntry struct {
	ID        string         `json:"id"`
	Embedding []float32      `json:"embedding"`
	Metadata  map[string]any `json:"metadata"`
}

type VectorMatch struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

type KeywordHit struct {
	Namespace string    `json:"namespace"`
	RecordID  string    `json:"record_id"`
	Title     string    `json:"title"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VectorEntryID is the deterministic entry id of a single-vector record.
func VectorEntryID(namespace, recordID string) string {
	return fmt.Sprintf("%s_%s", namespace, recordID)
}

// ChunkEntryID is the deterministic entry id of one chunk of a long-form record.
func ChunkEntryID(namespace, documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%s_%d", namespace, documentID, chunkIndex)
}

type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type IndexingJob struct {
	ID          string     `json:"id"`
	Namespace   string     `json:"namespace"`
	RecordID    string     `json:"record_id"`
	Operation   Operation  `json:"operation"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// RecordChange is the change notification emitted by writers of the record store.
type RecordChange struct {
	Namespace string    `json:"namespace"`
	RecordID  string    `json:"record_id"`
	Operation Operation `json:"operation"`
	Data      *Record   `json:"data,omitempty"`
}

type ChangeResult struct {
	Success bool   `json:"success"`
	JobID   string `json:"job_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type SweepReport struct {
	Namespaces int `json:"namespaces"`
	Discovered int `json:"discovered"`
	Failed     int `json:"failed"`
	Retried    int `json:"retried"`
}
