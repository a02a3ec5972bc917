package models

import "time"

// Store is a storefront entry in the store directory.
type Store struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Adapter     string `json:"adapter"`
	BaseURL     string `json:"baseUrl"`
	Active      bool   `json:"active"`
}

// Priority orders scrape jobs in the runner queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "low"
}

// RetryContext carries a store's previous failure into a retry job.
type RetryContext struct {
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount"`
}

// ScrapeJob asks a worker to scrape a set of stores for one item.
type ScrapeJob struct {
	ID             string                  `json:"id"`
	Item           string                  `json:"item"`
	NormalizedItem string                  `json:"normalizedItem"`
	Priority       Priority                `json:"priority"`
	RequestID      string                  `json:"requestId"`
	LockToken      string                  `json:"lockToken"`
	Stores         []string                `json:"stores"`
	Retry          map[string]RetryContext `json:"retry,omitempty"`
	EnqueuedAt     time.Time               `json:"enqueuedAt"`
}

// JobResult summarises a finished scrape job.
type JobResult struct {
	JobID        string        `json:"jobId"`
	Item         string        `json:"item"`
	Stores       []string      `json:"stores"`
	ResultCount  int           `json:"resultCount"`
	StoreErrors  []StoreError  `json:"storeErrors,omitempty"`
	Duration     time.Duration `json:"duration"`
	CompletedAt  time.Time     `json:"completedAt"`
	WriteFailure string        `json:"writeFailure,omitempty"`
}

// JobState is the lifecycle state of the scheduled bulk scrape.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// SchedulerJobStatus records the last or ongoing bulk scheduled scrape.
type SchedulerJobStatus struct {
	InitiatedAt  time.Time  `json:"initiatedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Status       JobState   `json:"status"`
	CurrentCount int        `json:"currentCount"`
	TotalCount   int        `json:"totalCount"`
}
