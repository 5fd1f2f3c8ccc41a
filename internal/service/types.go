package service

import (
	"context"
	"time"

	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/internal/persistence"
)

const (
	DefaultWaitPoll        = 100 * time.Millisecond
	DefaultMaxWait         = 30 * time.Second
	DefaultMaxPayloadBytes = 64 << 20
	defaultScope           = "default"
)

// CreateRequest is one submission. IdempotencyKey is optional; when set, a
// retry carrying the same key and content returns the original job.
type CreateRequest struct {
	Spec           jobs.ConversionSpec
	Payload        []byte
	IdempotencyKey string
	// Scope namespaces IdempotencyKey, typically per client.
	Scope string
	// Wait bounds how long Create polls for a terminal status.
	Wait time.Duration
}

// CreateResult is the job a submission resolved to.
type CreateResult struct {
	Job *jobs.JobRecord
	// Created is false when an idempotent replay returned an existing job.
	Created bool
}

// IdempotencyIndex is the scope key to job binding used by Create.
type IdempotencyIndex interface {
	GetIdempotency(ctx context.Context, scopeKey string) (*persistence.IdempotencyRecord, bool, error)
	PutIdempotency(ctx context.Context, scopeKey, fingerprint, jobID string) (*persistence.IdempotencyRecord, error)
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Waker is notified after every new job so dispatch need not wait for a poll.
type Waker interface {
	Wake()
}

// BackendCatalog reports which conversion backends can run jobs.
type BackendCatalog interface {
	Has(name string) bool
}
