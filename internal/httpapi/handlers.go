package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MimeLyc/docjobs/internal/config"
	"github.com/MimeLyc/docjobs/internal/jobs"
	"github.com/MimeLyc/docjobs/internal/service"
	"github.com/MimeLyc/docjobs/pkg/log"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	clientIDHeader       = "X-Client-ID"
)

// createJobBody is the JSON form of a submission. Payload is base64.
type createJobBody struct {
	Spec    jobs.ConversionSpec `json:"spec"`
	Payload string              `json:"payload"`
}

type errorBody struct {
	Code      jobs.Code      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details"`
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.health != nil {
		body["supervisor"] = s.health()
	}
	c.JSON(http.StatusOK, body)
}

// handleCreateJob accepts either application/json with a base64 payload or
// multipart/form-data with a "spec" JSON field and a "file" part.
func (s *Server) handleCreateJob(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodyBytes)

	spec, payload, err := readSubmission(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, jobs.NewError(jobs.CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		writeError(c, jobs.NewError(jobs.CodeInvalidRequest, err.Error()))
		return
	}

	wait, err := parseWait(c.Query("wait"))
	if err != nil {
		writeError(c, jobs.NewError(jobs.CodeInvalidRequest, err.Error()))
		return
	}

	res, err := s.svc.Create(c.Request.Context(), service.CreateRequest{
		Spec:           spec,
		Payload:        payload,
		IdempotencyKey: c.GetHeader(idempotencyKeyHeader),
		Scope:          c.GetHeader(clientIDHeader),
		Wait:           wait,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Location", "/api/v1/jobs/"+res.Job.JobID)
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	} else {
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(status, res.Job)
}

func readSubmission(c *gin.Context) (jobs.ConversionSpec, []byte, error) {
	var spec jobs.ConversionSpec
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		raw := c.PostForm("spec")
		if raw == "" {
			return spec, nil, fmt.Errorf("multipart field \"spec\" is required")
		}
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			return spec, nil, fmt.Errorf("invalid spec: %w", err)
		}
		fh, err := c.FormFile("file")
		if err != nil {
			return spec, nil, fmt.Errorf("multipart file \"file\" is required: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return spec, nil, err
		}
		defer f.Close()
		payload, err := io.ReadAll(f)
		if err != nil {
			return spec, nil, err
		}
		return spec, payload, nil
	}

	var body createJobBody
	if err := c.ShouldBindJSON(&body); err != nil {
		return spec, nil, fmt.Errorf("invalid json body: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(body.Payload)
	if err != nil {
		return spec, nil, fmt.Errorf("payload must be base64: %w", err)
	}
	return body.Spec, payload, nil
}

// parseWait accepts a Go duration ("10s") or a number of seconds.
func parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("wait must not be negative")
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("wait must not be negative")
	}
	return d, nil
}

func (s *Server) handleListJobs(c *gin.Context) {
	status := jobs.Status(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	list, err := s.svc.List(c.Request.Context(), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

func (s *Server) handleGetJob(c *gin.Context) {
	rec, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancelJob(c *gin.Context) {
	rec, err := s.svc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleArtifact(c *gin.Context) {
	content, rec, err := s.svc.Artifact(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	contentType := rec.Result.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("ETag", strconv.Quote(rec.Result.ArtifactDigest))
	c.Data(http.StatusOK, contentType, content)
}

func (s *Server) handleGetSettings(c *gin.Context) {
	if s.settings == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "settings store is not configured"})
		return
	}
	settings, err := s.settings.GetRuntimeSettings()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	if s.settings == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "settings store is not configured"})
		return
	}
	var req config.RuntimeSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, jobs.NewError(jobs.CodeInvalidRequest, "invalid json body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeError(c, jobs.NewError(jobs.CodeInvalidRequest, err.Error()))
		return
	}
	saved, err := s.settings.UpdateRuntimeSettings(req)
	if err != nil {
		writeError(c, err)
		return
	}
	if s.apply != nil {
		if err := s.apply(saved); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, saved)
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(code jobs.Code) int {
	switch code {
	case jobs.CodeNotFound:
		return http.StatusNotFound
	case jobs.CodeExpired:
		return http.StatusGone
	case jobs.CodeStateConflict, jobs.CodeIdempotencyConflict, jobs.CodeDuplicateJob:
		return http.StatusConflict
	case jobs.CodeBackendInput:
		return http.StatusUnprocessableEntity
	case jobs.CodeBackendExecution:
		return http.StatusBadGateway
	case jobs.CodeBackendResourceUnavailable:
		return http.StatusServiceUnavailable
	case jobs.CodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := errorBodyFrom(err)
	if body.Code == jobs.CodeInternal {
		log.WithFields(log.Fields{
			log.FieldRequestID: c.GetString(log.FieldRequestID),
		}).Errorf("Request failed: %v", err)
	}
	c.Set(log.FieldErrorCode, string(body.Code))
	c.JSON(statusFor(body.Code), gin.H{"error": body})
}

// errorBodyFrom renders err in the boundary shape. Unclassified causes are
// not echoed to clients.
func errorBodyFrom(err error) errorBody {
	e := jobs.AsError(err)
	message := e.Message
	if e.Code == jobs.CodeInternal && (message == "" || (e.Cause != nil && message == e.Cause.Error())) {
		message = "internal error"
	}
	return errorBody{
		Code:      e.Code,
		Message:   message,
		Retryable: e.Retryable,
		Details:   e.Details,
	}
}
