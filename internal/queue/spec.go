package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSpec is returned for malformed job submissions. The job is never
// created; the caller gets the reason wrapped around this sentinel.
var ErrInvalidSpec = errors.New("invalid job spec")

// Spec is the unit accepted by Enqueue: the caller-supplied part of a job.
// MaxRetries is optional; nil means "use the default_max_retries setting".
type Spec struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	MaxRetries *int32 `json:"max_retries,omitempty"`
}

// ParseSpec decodes a JSON job description and validates it.
func ParseSpec(raw []byte) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the required fields and normalizes whitespace in place.
func (s *Spec) Validate() error {
	s.ID = strings.TrimSpace(s.ID)
	s.Command = strings.TrimSpace(s.Command)
	if s.ID == "" {
		return fmt.Errorf("%w: missing required field %q", ErrInvalidSpec, "id")
	}
	if s.Command == "" {
		return fmt.Errorf("%w: missing required field %q", ErrInvalidSpec, "command")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be a non-negative integer", ErrInvalidSpec)
	}
	return nil
}
