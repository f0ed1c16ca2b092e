package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError 描述單一欄位的驗證失敗
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Limits 各欄位的大小上限
type Limits struct {
	PayloadBytes  int
	MetadataBytes int
	ResultBytes   int
	ErrorLength   int
	OwnerLength   int
}

// DefaultLimits returns the limits used when configuration leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		PayloadBytes:  10 << 20,
		MetadataBytes: 10 << 10,
		ResultBytes:   1 << 20,
		ErrorLength:   5000,
		OwnerLength:   100,
	}
}

// 只允許英數字、連字號與底線，阻擋 ../、斜線、@ 之類的路徑穿越或注入字串
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateIdentifier checks owner and worker ids.
func (l Limits) ValidateIdentifier(field, v string) error {
	if v == "" {
		return invalid(field, "must not be empty")
	}
	if len(v) > l.OwnerLength {
		return invalid(field, "must be at most %d characters", l.OwnerLength)
	}
	if !identifierPattern.MatchString(v) {
		return invalid(field, "may only contain letters, digits, hyphens and underscores")
	}
	return nil
}

// ValidatePayload requires a non-empty object within the payload limit.
func (l Limits) ValidatePayload(payload map[string]interface{}) error {
	if len(payload) == 0 {
		return invalid("workflow", "must be a non-empty object")
	}
	return checkSize("workflow", payload, l.PayloadBytes)
}

// ValidateMetadata allows nil metadata.
func (l Limits) ValidateMetadata(metadata map[string]interface{}) error {
	if metadata == nil {
		return nil
	}
	return checkSize("metadata", metadata, l.MetadataBytes)
}

func (l Limits) ValidateResult(result map[string]interface{}) error {
	if result == nil {
		return invalid("result", "must be an object")
	}
	return checkSize("result", result, l.ResultBytes)
}

// ValidateError returns the trimmed message.
func (l Limits) ValidateError(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", invalid("error", "must not be empty")
	}
	if utf8.RuneCountInString(msg) > l.ErrorLength {
		return "", invalid("error", "must be at most %d characters", l.ErrorLength)
	}
	return msg, nil
}

func checkSize(field string, v map[string]interface{}, limit int) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return invalid(field, "is not serializable: %v", err)
	}
	if limit > 0 && len(raw) > limit {
		return invalid(field, "exceeds %d bytes (got %d)", limit, len(raw))
	}
	return nil
}
