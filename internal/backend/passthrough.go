package backend

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/unicode/norm"

	"github.com/MimeLyc/docjobs/internal/jobs"
)

const PassthroughName = "passthrough"

var contentTypes = map[string]string{
	"markdown": "text/markdown; charset=utf-8",
	"text":     "text/plain; charset=utf-8",
	"html":     "text/html; charset=utf-8",
}

// Passthrough converts plain text and markdown without any external engine:
// it normalises encoding and line endings and tags the detected language.
type Passthrough struct{}

func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Convert(ctx context.Context, spec jobs.ConversionSpec, payload []byte) (*jobs.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.OCR {
		return nil, jobs.NewError(jobs.CodeBackendResourceUnavailable, "passthrough backend has no OCR engine").
			WithDetail("backend", PassthroughName)
	}
	switch spec.SourceFormat {
	case "text", "markdown":
	default:
		return nil, jobs.NewError(jobs.CodeBackendInput, fmt.Sprintf("passthrough backend cannot read %s input", spec.SourceFormat)).
			WithDetail("source_format", spec.SourceFormat)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, jobs.NewError(jobs.CodeBackendInput, "input is empty")
	}
	if !utf8.Valid(payload) {
		return nil, jobs.NewError(jobs.CodeBackendInput, "input is not valid UTF-8")
	}

	text := normalizeText(payload)
	var warnings []string
	metadata := map[string]string{"source_format": spec.SourceFormat}

	info := whatlanggo.Detect(text)
	if code := info.Lang.Iso6391(); code != "" {
		metadata["detected_language"] = code
		metadata["language_confidence"] = strconv.FormatFloat(info.Confidence, 'f', 2, 64)
	}
	if !info.IsReliable() {
		warnings = append(warnings, "language detection is unreliable for this input")
	}

	target := spec.TargetFormat
	if target == "" {
		target = jobs.DefaultTargetFormat
	}
	var out string
	switch target {
	case "markdown", "text":
		out = text
	case "html":
		out = "<pre>" + html.EscapeString(text) + "</pre>\n"
		if spec.SourceFormat == "markdown" {
			warnings = append(warnings, "markdown is not rendered, output is preformatted text")
		}
	default:
		return nil, jobs.NewError(jobs.CodeBackendInput, fmt.Sprintf("passthrough backend cannot write %s output", target))
	}

	return &jobs.Artifact{
		Content:     []byte(out),
		ContentType: contentTypes[target],
		Backend:     PassthroughName,
		Metadata:    metadata,
		Warnings:    warnings,
	}, nil
}

// normalizeText applies NFC, converts line endings to LF, strips trailing
// whitespace and a leading BOM, and ends the text with exactly one newline.
func normalizeText(payload []byte) string {
	s := norm.NFC.String(string(payload))
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n"
}
