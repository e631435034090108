package job

import (
	"time"

	"karaoke/internal/core/schedule"
)

// Run is the status record of one source pipeline, kept in redis while
// operators poll it.
type Run struct {
	RunID     string                `json:"run_id"`
	Target    schedule.SourceTarget `json:"target"`
	Status    Status                `json:"status"`
	Error     string                `json:"error,omitempty"`
	Result    *Result               `json:"result,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Result summarizes what a finished run wrote.
type Result struct {
	RecordID       string `json:"record_id,omitempty"`
	Created        bool   `json:"created"`
	LeafURLs       int    `json:"leaf_urls"`
	Shows          int    `json:"shows"`
	DJs            int    `json:"djs"`
	Vendors        int    `json:"vendors"`
	Images         int    `json:"images"`
	ImageFallbacks int    `json:"image_fallbacks"`
	ImageFailures  int    `json:"image_failures"`
}

// Event is what subscribers of a run channel receive.
type Event struct {
	Type    string `json:"type"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Status  Status `json:"status,omitempty"`
}
