package jobs

import "context"

// Converter is the conversion collaborator. Implementations classify their
// failures with CodeBackendInput, CodeBackendExecution or
// CodeBackendResourceUnavailable; anything else is treated as an internal
// error by the worker.
type Converter interface {
	Convert(ctx context.Context, spec ConversionSpec, payload []byte) (*Artifact, error)
}

// Artifact is what a converter produces for one job.
type Artifact struct {
	Content     []byte
	ContentType string
	Backend     string
	Metadata    map[string]string
	Warnings    []string
}

// ArtifactSink receives a copy of every successfully persisted artifact.
type ArtifactSink interface {
	PutArtifact(ctx context.Context, rec *JobRecord, content []byte) error
}
