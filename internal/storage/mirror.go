package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/pkg/log"
)

const defaultArtifactPrefix = "artifacts"

// Mirror copies finished artifacts and their job record into object storage
// under <prefix>/<job_id>/.
type Mirror struct {
	store  ObjectStorage
	prefix string
}

func NewMirror(store ObjectStorage, prefix string) *Mirror {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultArtifactPrefix
	}
	return &Mirror{store: store, prefix: prefix}
}

func (m *Mirror) ArtifactKey(jobID string) string {
	return path.Join(m.prefix, jobID, "artifact")
}

func (m *Mirror) RecordKey(jobID string) string {
	return path.Join(m.prefix, jobID, "record.json")
}

// PutArtifact uploads the artifact first and the record last, so a visible
// record always has its artifact next to it.
func (m *Mirror) PutArtifact(ctx context.Context, rec *jobs.JobRecord, content []byte) error {
	contentType := "application/octet-stream"
	if rec.Result != nil && rec.Result.ContentType != "" {
		contentType = rec.Result.ContentType
	}
	if err := m.store.Upload(ctx, m.ArtifactKey(rec.JobID), bytes.NewReader(content), int64(len(content)), contentType); err != nil {
		return fmt.Errorf("mirror artifact of %s: %w", rec.JobID, err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record of %s: %w", rec.JobID, err)
	}
	if err := m.store.Upload(ctx, m.RecordKey(rec.JobID), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("mirror record of %s: %w", rec.JobID, err)
	}
	log.WithFields(log.Fields{log.FieldJobID: rec.JobID, log.FieldComponent: "mirror"}).Debug("Mirrored artifact")
	return nil
}

// Remove deletes both mirrored objects of a job.
func (m *Mirror) Remove(ctx context.Context, jobID string) error {
	for _, key := range []string{m.RecordKey(jobID), m.ArtifactKey(jobID)} {
		if err := m.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
