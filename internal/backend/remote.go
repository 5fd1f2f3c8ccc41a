package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MimeLyc/docjobs/internal/jobs"
)

const (
	RemoteName           = "remote"
	DefaultRemoteTimeout = 5 * time.Minute
)

// RemoteConfig holds configuration for the HTTP conversion service.
type RemoteConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Remote delegates conversion to an HTTP service exposing POST /v1/convert.
type Remote struct {
	client   *resty.Client
	endpoint string
}

func NewRemote(cfg RemoteConfig) (*Remote, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote backend base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}

	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetTimeout(timeout)

	return &Remote{
		client:   client,
		endpoint: base + "/v1/convert",
	}, nil
}

type convertRequest struct {
	Spec    jobs.ConversionSpec `json:"spec"`
	Payload string              `json:"payload"`
}

type convertResponse struct {
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	Backend     string            `json:"backend"`
	Metadata    map[string]string `json:"metadata"`
	Warnings    []string          `json:"warnings"`
	Error       *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *Remote) Convert(ctx context.Context, spec jobs.ConversionSpec, payload []byte) (*jobs.Artifact, error) {
	var resp convertResponse
	httpResp, err := r.client.R().
		SetContext(ctx).
		SetBody(convertRequest{Spec: spec, Payload: base64.StdEncoding.EncodeToString(payload)}).
		SetResult(&resp).
		SetError(&resp).
		Post(r.endpoint)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, jobs.NewErrorWithCause(jobs.CodeBackendExecution, "failed to call conversion service", err)
	}

	status := httpResp.StatusCode()
	if status < 200 || status >= 300 {
		msg := fmt.Sprintf("HTTP %d", status)
		if resp.Error != nil && resp.Error.Message != "" {
			msg = fmt.Sprintf("HTTP %d: %s", status, resp.Error.Message)
		} else if body := strings.TrimSpace(string(httpResp.Body())); body != "" {
			msg = fmt.Sprintf("HTTP %d: %s", status, truncate(body, 512))
		}
		return nil, jobs.NewError(classifyStatus(status), "conversion service returned error: "+msg).
			WithDetail("status", status)
	}
	if resp.Error != nil {
		return nil, jobs.NewError(jobs.CodeBackendExecution, "conversion service error: "+resp.Error.Message)
	}

	content, err := base64.StdEncoding.DecodeString(resp.Content)
	if err != nil {
		return nil, jobs.NewErrorWithCause(jobs.CodeBackendExecution, "conversion service returned malformed content", err)
	}
	backendName := resp.Backend
	if backendName == "" {
		backendName = RemoteName
	}
	return &jobs.Artifact{
		Content:     content,
		ContentType: resp.ContentType,
		Backend:     backendName,
		Metadata:    resp.Metadata,
		Warnings:    resp.Warnings,
	}, nil
}

// classifyStatus maps a non-2xx response onto the collaborator error codes.
func classifyStatus(status int) jobs.Code {
	switch {
	case status == http.StatusBadRequest,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnsupportedMediaType,
		status == http.StatusUnprocessableEntity:
		return jobs.CodeBackendInput
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusInsufficientStorage:
		return jobs.CodeBackendResourceUnavailable
	default:
		return jobs.CodeBackendExecution
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
