package jobs

import "time"

type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Progress stage markers.
const (
	StageQueued     = "queued"
	StageStarting   = "starting"
	StageConverting = "converting"
	StageRequeued   = "requeued"
	StageDone       = "done"
	StageCanceled   = "canceled"
)

// Well-known phase names in Progress.PhaseTimingsMS.
const (
	PhaseGrace   = "grace"
	PhaseConvert = "convert"
	PhasePersist = "persist"
)

type JobRecord struct {
	JobID       string         `json:"job_id"`
	Status      Status         `json:"status"`
	Spec        ConversionSpec `json:"spec"`
	Input       InputInfo      `json:"input"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Retention   Retention      `json:"retention"`
	Progress    Progress       `json:"progress"`
	Result      *Result        `json:"result,omitempty"`
	Failure     *Failure       `json:"failure,omitempty"`
}

type InputInfo struct {
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

type Retention struct {
	Pinned            bool      `json:"pinned"`
	RawExpiresAt      time.Time `json:"raw_expires_at"`
	ArtifactExpiresAt time.Time `json:"artifact_expires_at"`
}

// RawExpired reports whether the raw input is past its retention at now.
func (r Retention) RawExpired(now time.Time) bool {
	return !r.Pinned && now.After(r.RawExpiresAt)
}

// Expired reports whether the whole job is past its retention at now.
func (r Retention) Expired(now time.Time) bool {
	return !r.Pinned && now.After(r.ArtifactExpiresAt)
}

type Progress struct {
	Stage                 string           `json:"stage"`
	LastHeartbeatAt       *time.Time       `json:"last_heartbeat_at,omitempty"`
	CurrentPhaseStartedAt *time.Time       `json:"current_phase_started_at,omitempty"`
	PhaseTimingsMS        map[string]int64 `json:"phase_timings_ms"`
}

// PhaseTimings is a set of per-phase durations in milliseconds.
type PhaseTimings map[string]int64

// Add accumulates d under phase.
func (p PhaseTimings) Add(phase string, d time.Duration) {
	p[phase] += d.Milliseconds()
}

// mergeTimings sums src into dst per key and returns dst.
func mergeTimings(dst map[string]int64, src map[string]int64) map[string]int64 {
	if dst == nil {
		dst = make(map[string]int64, len(src))
	}
	for k, v := range src {
		dst[k] += v
	}
	return dst
}

type Result struct {
	ArtifactDigest string            `json:"artifact_digest"`
	ArtifactSize   int64             `json:"artifact_size"`
	ContentType    string            `json:"content_type"`
	Backend        string            `json:"backend"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Warnings       []string          `json:"warnings"`
}

type Failure struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details"`
}

// Tombstone marks a job that existed and was expired by the sweeper.
type Tombstone struct {
	JobID     string    `json:"job_id"`
	ExpiredAt time.Time `json:"expired_at"`
}
