package models

import "time"

// JobStatus represents the lifecycle state of a chunked processing job.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
)

// Chunk is a contiguous, possibly overlapping page range of a source PDF,
// persisted as a self-contained sub-document and processed as one unit.
type Chunk struct {
	ID        string `json:"id"`
	FilePath  string `json:"-"`
	StartPage int    `json:"start_page"` // 1-based, inclusive
	EndPage   int    `json:"end_page"`   // 1-based, inclusive
	PageCount int    `json:"page_count"`
	SizeBytes int64  `json:"size_bytes"`
}

// ChunkResult is the outcome of analyzing one chunk. Pages carries the
// per-page breakdown when the provider produces one; it is persisted to the
// result store rather than serialized inline.
type ChunkResult struct {
	ChunkID    string       `json:"chunk_id"`
	StartPage  int          `json:"start_page"`
	EndPage    int          `json:"end_page"`
	Content    string       `json:"content"`
	Model      string       `json:"model,omitempty"`
	Confidence float64      `json:"confidence"`
	Error      string       `json:"error,omitempty"`
	Pages      []PageResult `json:"-"`

	// Duration is how long the chunk took end to end, kept out of responses.
	Duration time.Duration `json:"-"`
}

// Job tracks one end-to-end chunked processing request. Mutated only by the
// job manager as chunk results arrive.
type Job struct {
	ID              string        `json:"job_id"`
	FileName        string        `json:"file_name"`
	SourceFileID    string        `json:"-"`
	Chunks          []Chunk       `json:"-"`
	Results         []ChunkResult `json:"results,omitempty"`
	Status          JobStatus     `json:"status"`
	CompletedChunks int           `json:"completed_chunks"`
	TotalChunks     int           `json:"total_chunks"`
	Error           string        `json:"error,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}
