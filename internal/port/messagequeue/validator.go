package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch subject {
	case SubjectTaskStatus:
		target = &TaskStatusPayload{}
	case SubjectTaskCompleted:
		target = &TaskCompletedPayload{}
	case SubjectBatchCreated:
		target = &BatchCreatedPayload{}
	case SubjectBatchFinished:
		target = &BatchFinishedPayload{}
	case SubjectBatchCancel:
		p := &BatchCancelPayload{}
		if err := json.Unmarshal(data, p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.BatchID == "" {
			return fmt.Errorf("schema validation failed for %s: batch_id is required", subject)
		}
		return nil
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
