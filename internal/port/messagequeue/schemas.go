package messagequeue

// TaskStatusPayload is the schema for tasks.status messages.
type TaskStatusPayload struct {
	TaskID      string  `json:"task_id"`
	BatchID     string  `json:"batch_id"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	RemoteJobID string  `json:"remote_job_id,omitempty"`
	Error       string  `json:"error,omitempty"`
	ErrorKind   string  `json:"error_kind,omitempty"`
	Attempt     int     `json:"attempt"`
}

// TaskCompletedPayload is the schema for tasks.completed messages.
type TaskCompletedPayload struct {
	TaskID      string `json:"task_id"`
	BatchID     string `json:"batch_id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	ResultRef   string `json:"result_ref"`
	Attempt     int    `json:"attempt"`
}

// BatchCreatedPayload is the schema for batches.created messages.
type BatchCreatedPayload struct {
	BatchID   string `json:"batch_id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	TaskCount int    `json:"task_count"`
	CreatedBy string `json:"created_by"`
}

// BatchFinishedPayload is the schema for batches.finished messages.
type BatchFinishedPayload struct {
	BatchID        string `json:"batch_id"`
	Total          int    `json:"total"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
}

// BatchCancelPayload is the schema for batches.cancel messages.
type BatchCancelPayload struct {
	BatchID string `json:"batch_id"`
}
