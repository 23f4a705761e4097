package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a conversion task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusScheduled,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusExpired,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// BatchPolicy controls how member failures roll up into a batch status.
type BatchPolicy string

const (
	// BatchPartialSuccess lets a batch finish as long as at least one member
	// completed.
	BatchPartialSuccess BatchPolicy = "partial_success"
	// BatchAllOrNothing fails the whole batch when any member fails.
	BatchAllOrNothing BatchPolicy = "all_or_nothing"
)

// ParseBatchPolicy converts a string into a known BatchPolicy. An empty
// string selects the default partial-success policy.
func ParseBatchPolicy(value string) (BatchPolicy, bool) {
	switch BatchPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return BatchPartialSuccess, true
	case BatchPartialSuccess:
		return BatchPartialSuccess, true
	case BatchAllOrNothing:
		return BatchAllOrNothing, true
	default:
		return "", false
	}
}

// Tier identifies a user's subscription level for quota purposes.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier converts a string into a known Tier. An empty string selects the
// free tier.
func ParseTier(value string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return TierFree, true
	case TierFree:
		return TierFree, true
	case TierPremium:
		return TierPremium, true
	case TierEnterprise:
		return TierEnterprise, true
	default:
		return "", false
	}
}

// Task represents a conversion task persisted in SQLite.
type Task struct {
	ID              string
	UserID          string
	Tier            Tier
	BatchID         string
	SourceFormat    string
	TargetFormat    string
	SourceRef       string
	SourceFilename  string
	TargetRef       string
	TargetFilename  string
	PathJSON        string
	OptionsJSON     string
	Status          Status
	Attempts        int
	CancelRequested bool
	ClaimedBy       string
	WebhookURL      string
	ErrorKind       string
	ErrorMessage    string
	ProgressStep    int
	ProgressTotal   int
	ProgressPercent float64
	ProgressMessage string
	ScheduledAt     *time.Time
	RetryAt         *time.Time
	ExpiresAt       *time.Time
	LastHeartbeat   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// IsTerminal reports whether the task has reached a state it cannot leave. A
// failed task with a retry time set is still eligible for another attempt and
// therefore not terminal.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusExpired, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryAt == nil
	default:
		return false
	}
}

// IsProcessing reports whether a worker currently owns the task.
func (t *Task) IsProcessing() bool {
	return t.Status == StatusProcessing
}

// Batch groups tasks submitted together.
type Batch struct {
	ID          string
	UserID      string
	Policy      BatchPolicy
	Status      Status
	WebhookURL  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Stats aggregates task counts per lifecycle state.
type Stats struct {
	Total      int
	Pending    int
	Scheduled  int
	Processing int
	Completed  int
	Failed     int
	Expired    int
	Cancelled  int
}
