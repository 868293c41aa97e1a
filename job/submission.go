package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xraph/courier"
)

// MaxPartitionKeyLen bounds the length of a partition key.
const MaxPartitionKeyLen = 200

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// Submission is an unvalidated request to run a job.
type Submission struct {
	ID           string          `json:"id,omitempty"`
	PartitionKey string          `json:"partitionKey"`
	Payload      json.RawMessage `json:"payload"`
}

// Validate checks the submission. Every returned error wraps
// courier.ErrValidation.
func (s Submission) Validate(maxPayloadBytes int64) error {
	if s.PartitionKey == "" {
		return fmt.Errorf("%w: partitionKey is required", courier.ErrValidation)
	}
	if len(s.PartitionKey) > MaxPartitionKeyLen {
		return fmt.Errorf("%w: partitionKey longer than %d characters", courier.ErrValidation, MaxPartitionKeyLen)
	}
	if s.ID != "" && !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: id must match %s", courier.ErrValidation, idPattern)
	}
	if maxPayloadBytes > 0 && int64(len(s.Payload)) > maxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", courier.ErrValidation, maxPayloadBytes)
	}

	trimmed := bytes.TrimSpace(s.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: payload must be a JSON object", courier.ErrValidation)
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("%w: payload is not valid JSON", courier.ErrValidation)
	}
	return nil
}
