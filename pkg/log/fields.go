package log

// Standard field keys shared by the engine's structured log lines.
const (
	FieldJobID      = "job_id"
	FieldStatus     = "status"
	FieldStage      = "stage"
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldDurationMs = "duration_ms"
	FieldErrorCode  = "error_code"
)
