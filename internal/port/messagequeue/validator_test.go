package messagequeue

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr string
	}{
		{"task status", SubjectTaskStatus, `{"task_id":"t1","batch_id":"b1","status":"processing","progress":32.3,"attempt":1}`, ""},
		{"task completed", SubjectTaskCompleted, `{"task_id":"t1","batch_id":"b1","kind":"video","result_ref":"https://cdn/v.mp4"}`, ""},
		{"batch created", SubjectBatchCreated, `{"batch_id":"b1","name":"Spring","task_count":3}`, ""},
		{"batch finished", SubjectBatchFinished, `{"batch_id":"b1","total":3,"completed_count":2,"failed_count":1}`, ""},
		{"batch finished bad count", SubjectBatchFinished, `{"total":"three"}`, "schema validation failed"},
		{"batch cancel", SubjectBatchCancel, `{"batch_id":"b1"}`, ""},
		{"batch cancel without id", SubjectBatchCancel, `{}`, "batch_id is required"},
		{"unknown subject", "unknown.subject", `{"foo":"bar"}`, ""},
		{"invalid json", SubjectTaskStatus, `{not valid json`, "invalid JSON"},
		{"wrong structure", SubjectTaskStatus, `"just a string"`, "schema validation failed"},
		{"wrong field type", SubjectTaskStatus, `{"progress":"high"}`, "schema validation failed"},
		{"empty object", SubjectTaskCompleted, `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %q in error, got: %v", tt.wantErr, err)
			}
		})
	}
}
