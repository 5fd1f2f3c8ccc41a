package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"golang.org/x/text/language"
)

const (
	DefaultTargetFormat = "markdown"
	DefaultBackend      = "passthrough"
)

var (
	sourceFormats = []string{"pdf", "docx", "html", "markdown", "text", "image"}
	targetFormats = []string{"markdown", "html", "text"}
)

// ConversionSpec is the validated conversion request. The engine persists and
// echoes it; only backends interpret its fields.
type ConversionSpec struct {
	SourceFormat string            `json:"source_format"`
	TargetFormat string            `json:"target_format"`
	Backend      string            `json:"backend,omitempty"`
	OCR          bool              `json:"ocr,omitempty"`
	OCRLanguages []string          `json:"ocr_languages,omitempty"`
	Options      map[string]string `json:"options,omitempty"`
	Pin          bool              `json:"pin,omitempty"`
}

// Normalize returns a canonical copy of s: lowercased formats and backend,
// defaults filled in, language tags canonicalised, sorted and de-duplicated.
// Validate should be called first; unparsable tags are kept as given.
func (s ConversionSpec) Normalize() ConversionSpec {
	out := s
	out.SourceFormat = strings.ToLower(strings.TrimSpace(s.SourceFormat))
	out.TargetFormat = strings.ToLower(strings.TrimSpace(s.TargetFormat))
	if out.TargetFormat == "" {
		out.TargetFormat = DefaultTargetFormat
	}
	out.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if out.Backend == "" {
		out.Backend = DefaultBackend
	}

	if len(s.OCRLanguages) > 0 {
		langs := make([]string, 0, len(s.OCRLanguages))
		for _, raw := range s.OCRLanguages {
			tag, err := language.Parse(strings.TrimSpace(raw))
			if err != nil {
				langs = append(langs, raw)
				continue
			}
			langs = append(langs, tag.String())
		}
		slices.Sort(langs)
		out.OCRLanguages = slices.Compact(langs)
	} else {
		out.OCRLanguages = nil
	}

	if len(s.Options) > 0 {
		out.Options = maps.Clone(s.Options)
	} else {
		out.Options = nil
	}
	return out
}

// Validate rejects specs no backend could ever accept. Errors carry
// CodeInvalidRequest.
func (s ConversionSpec) Validate() error {
	source := strings.ToLower(strings.TrimSpace(s.SourceFormat))
	if source == "" {
		return NewError(CodeInvalidRequest, "source_format is required")
	}
	if !slices.Contains(sourceFormats, source) {
		return NewError(CodeInvalidRequest, fmt.Sprintf("unsupported source_format %q", s.SourceFormat)).
			WithDetail("supported", sourceFormats)
	}
	target := strings.ToLower(strings.TrimSpace(s.TargetFormat))
	if target != "" && !slices.Contains(targetFormats, target) {
		return NewError(CodeInvalidRequest, fmt.Sprintf("unsupported target_format %q", s.TargetFormat)).
			WithDetail("supported", targetFormats)
	}
	if len(s.OCRLanguages) > 0 && !s.OCR {
		return NewError(CodeInvalidRequest, "ocr_languages requires ocr=true")
	}
	for _, raw := range s.OCRLanguages {
		if _, err := language.Parse(strings.TrimSpace(raw)); err != nil {
			return NewError(CodeInvalidRequest, fmt.Sprintf("invalid ocr language %q", raw)).
				WithDetail("language", raw)
		}
	}
	for k := range s.Options {
		if strings.TrimSpace(k) == "" {
			return NewError(CodeInvalidRequest, "option keys must not be empty")
		}
	}
	return nil
}

// OptionsFingerprint hashes the content-defining part of the spec, i.e.
// everything except retention flags.
func (s ConversionSpec) OptionsFingerprint() string {
	norm := s.Normalize()
	norm.Pin = false
	data, _ := json.Marshal(norm)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
