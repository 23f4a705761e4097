package api

import (
	"encoding/json"
	"time"

	"alembic/internal/batch"
	"alembic/internal/formats"
	"alembic/internal/queue"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// PathStep describes one edge of a resolved conversion path.
type PathStep struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	Capability string `json:"capability"`
	Cost       int    `json:"cost"`
}

// Progress captures step progress for a task.
type Progress struct {
	Step    int     `json:"step"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Task describes a conversion task in a transport-friendly format.
type Task struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Tier           string          `json:"tier"`
	BatchID        string          `json:"batchId,omitempty"`
	SourceFormat   string          `json:"sourceFormat"`
	TargetFormat   string          `json:"targetFormat"`
	SourceFilename string          `json:"sourceFilename,omitempty"`
	TargetFilename string          `json:"targetFilename,omitempty"`
	SourceRef      string          `json:"sourceRef,omitempty"`
	TargetRef      string          `json:"targetRef,omitempty"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	Path           []PathStep      `json:"path,omitempty"`
	Options        json.RawMessage `json:"options,omitempty"`
	Progress       Progress        `json:"progress"`
	ErrorKind      string          `json:"errorKind,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	WebhookURL     string          `json:"webhookUrl,omitempty"`
	ScheduledAt    string          `json:"scheduledAt,omitempty"`
	RetryAt        string          `json:"retryAt,omitempty"`
	ExpiresAt      string          `json:"expiresAt,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	CompletedAt    string          `json:"completedAt,omitempty"`
}

// Batch describes a batch header.
type Batch struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	Policy      string `json:"policy"`
	Status      string `json:"status"`
	WebhookURL  string `json:"webhookUrl,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// BatchProgress aggregates member task counts for a batch.
type BatchProgress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	Expired   int     `json:"expired"`
	InFlight  int     `json:"inFlight"`
	Percent   float64 `json:"percent"`
}

// BatchDetail is a batch with its live progress and member tasks.
type BatchDetail struct {
	Batch    Batch         `json:"batch"`
	Progress BatchProgress `json:"progress"`
	Items    []Task        `json:"items"`
}

// FormatInfo describes one registered format and its reachable direct
// targets.
type FormatInfo struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Targets  []string `json:"targets,omitempty"`
}

// CapabilityHealth reports converter binary availability.
type CapabilityHealth struct {
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool             `json:"running"`
	PID          int              `json:"pid"`
	TaskDBPath   string           `json:"taskDbPath"`
	LockFilePath string           `json:"lockFilePath"`
	Scheduler    SchedulerStatus  `json:"scheduler"`
	Capabilities CapabilityHealth `json:"capabilities"`
}

// SchedulerStatus summarizes worker pool state and queue counters.
type SchedulerStatus struct {
	Running    bool           `json:"running"`
	Workers    int            `json:"workers"`
	QueueStats map[string]int `json:"queueStats"`
	LastError  string         `json:"lastError,omitempty"`
}

// SubmitTaskResponse is returned on task admission.
type SubmitTaskResponse struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// SubmitBatchResponse is returned on batch admission.
type SubmitBatchResponse struct {
	BatchID string   `json:"batchId"`
	TaskIDs []string `json:"taskIds"`
}

// TaskListResponse wraps a collection of tasks.
type TaskListResponse struct {
	Items []Task `json:"items"`
}

// FormatListResponse wraps the format registry listing.
type FormatListResponse struct {
	Formats []FormatInfo `json:"formats"`
}

// FromTask converts a queue task into its API representation.
func FromTask(task *queue.Task) Task {
	if task == nil {
		return Task{}
	}
	dto := Task{
		ID:             task.ID,
		UserID:         task.UserID,
		Tier:           string(task.Tier),
		BatchID:        task.BatchID,
		SourceFormat:   task.SourceFormat,
		TargetFormat:   task.TargetFormat,
		SourceFilename: task.SourceFilename,
		TargetFilename: task.TargetFilename,
		SourceRef:      task.SourceRef,
		TargetRef:      task.TargetRef,
		Status:         string(task.Status),
		Attempts:       task.Attempts,
		Progress: Progress{
			Step:    task.ProgressStep,
			Total:   task.ProgressTotal,
			Percent: task.ProgressPercent,
			Message: task.ProgressMessage,
		},
		ErrorKind:    task.ErrorKind,
		ErrorMessage: task.ErrorMessage,
		WebhookURL:   task.WebhookURL,
		ScheduledAt:  formatTimePtr(task.ScheduledAt),
		RetryAt:      formatTimePtr(task.RetryAt),
		ExpiresAt:    formatTimePtr(task.ExpiresAt),
		CreatedAt:    formatTime(task.CreatedAt),
		UpdatedAt:    formatTime(task.UpdatedAt),
		CompletedAt:  formatTimePtr(task.CompletedAt),
	}
	if task.PathJSON != "" {
		var path formats.Path
		if err := json.Unmarshal([]byte(task.PathJSON), &path); err == nil {
			dto.Path = fromPath(path)
		}
	}
	if task.OptionsJSON != "" {
		dto.Options = json.RawMessage(task.OptionsJSON)
	}
	return dto
}

// FromTasks converts a slice of queue tasks.
func FromTasks(tasks []*queue.Task) []Task {
	if len(tasks) == 0 {
		return nil
	}
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, FromTask(task))
	}
	return out
}

// FromBatch converts a queue batch into its API representation.
func FromBatch(b *queue.Batch) Batch {
	if b == nil {
		return Batch{}
	}
	return Batch{
		ID:          b.ID,
		UserID:      b.UserID,
		Policy:      string(b.Policy),
		Status:      string(b.Status),
		WebhookURL:  b.WebhookURL,
		CreatedAt:   formatTime(b.CreatedAt),
		UpdatedAt:   formatTime(b.UpdatedAt),
		CompletedAt: formatTimePtr(b.CompletedAt),
	}
}

// FromBatchProgress converts coordinator progress counters.
func FromBatchProgress(p batch.Progress) BatchProgress {
	return BatchProgress{
		Total:     p.Total,
		Completed: p.Completed,
		Failed:    p.Failed,
		Cancelled: p.Cancelled,
		Expired:   p.Expired,
		InFlight:  p.InFlight,
		Percent:   p.Percent,
	}
}

// FromStats flattens queue counters into a status-keyed map.
func FromStats(stats queue.Stats) map[string]int {
	return map[string]int{
		"total":                        stats.Total,
		string(queue.StatusPending):    stats.Pending,
		string(queue.StatusScheduled):  stats.Scheduled,
		string(queue.StatusProcessing): stats.Processing,
		string(queue.StatusCompleted):  stats.Completed,
		string(queue.StatusFailed):     stats.Failed,
		string(queue.StatusExpired):    stats.Expired,
		string(queue.StatusCancelled):  stats.Cancelled,
	}
}

func fromPath(path formats.Path) []PathStep {
	steps := make([]PathStep, 0, len(path))
	for _, edge := range path {
		steps = append(steps, PathStep{
			Source:     edge.Source,
			Target:     edge.Target,
			Capability: edge.Capability,
			Cost:       edge.Cost,
		})
	}
	return steps
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
