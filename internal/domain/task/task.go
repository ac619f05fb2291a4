// Package task defines the generation Task entity, its lifecycle and the
// immutable patches through which the task registry is updated.
package task

import "time"

// Status represents the current lifecycle phase of a task.
type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusUploading  Status = "uploading"
	StatusSubmitting Status = "submitting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further automatic transitions can occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// IsRemote reports whether a remote job may exist in this phase.
func (s Status) IsRemote() bool {
	return s == StatusSubmitting || s == StatusProcessing
}

// Kind selects the generation pipeline a task runs through.
type Kind string

const (
	KindVideo Kind = "video" // voice script over a reference image
	KindImage Kind = "image" // remix variation of a source image
)

// Task is one independent unit of generation work.
type Task struct {
	ID          string    `json:"id"`
	BatchID     string    `json:"batch_id"`
	Kind        Kind      `json:"kind"`
	DisplayName string    `json:"display_name"`
	Instruction string    `json:"instruction"`
	AssetRef    string    `json:"asset_ref,omitempty"` // per-task input asset; empty means the batch source
	Model       string    `json:"model,omitempty"`
	Status      Status    `json:"status"`
	Progress    float64   `json:"progress"`
	RemoteJobID string    `json:"remote_job_id,omitempty"`
	ResultRef   string    `json:"result_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Attempt     int       `json:"attempt"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New returns a task in the preparing phase.
func New(id, batchID string, kind Kind, displayName, instruction string, now time.Time) Task {
	return Task{
		ID:          id,
		BatchID:     batchID,
		Kind:        kind,
		DisplayName: displayName,
		Instruction: instruction,
		Status:      StatusPreparing,
		Progress:    ProgressPreparing,
		Attempt:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Patch is a partial update to a task. Nil fields are left unchanged.
type Patch struct {
	Status      *Status
	Progress    *float64
	RemoteJobID *string
	ResultRef   *string
	Error       *string
	ErrorKind   *ErrorKind
	Instruction *string
	AssetRef    *string

	// Reset starts a new attempt: it clears the remote job, result and
	// error and is the only patch allowed to lower progress or to leave a
	// terminal status.
	Reset bool
}

// Apply returns a copy of t with p merged in. The receiver is not modified.
// It reports false when the patch was rejected because t is terminal and
// p is not a reset; a late write from a finished attempt is dropped that way.
//
// Progress never decreases unless p.Reset is set.
func (t Task) Apply(p Patch, now time.Time) (Task, bool) {
	if t.Status.IsTerminal() && !p.Reset {
		return t, false
	}

	next := t
	if p.Reset {
		next.RemoteJobID = ""
		next.ResultRef = ""
		next.Error = ""
		next.ErrorKind = ""
		next.Progress = ProgressPreparing
		next.Status = StatusPreparing
		next.Attempt++
	}
	if p.Instruction != nil {
		next.Instruction = *p.Instruction
	}
	if p.AssetRef != nil {
		next.AssetRef = *p.AssetRef
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Progress != nil && *p.Progress > next.Progress {
		next.Progress = clamp(*p.Progress, 0, ProgressComplete)
	}
	if p.RemoteJobID != nil {
		next.RemoteJobID = *p.RemoteJobID
	}
	if p.ResultRef != nil {
		next.ResultRef = *p.ResultRef
	}
	if p.Error != nil {
		next.Error = *p.Error
	}
	if p.ErrorKind != nil {
		next.ErrorKind = *p.ErrorKind
	}
	next.UpdatedAt = now
	return next, true
}

// Transition builds a patch that moves the task to status s and raises
// progress to at least the phase baseline.
func Transition(s Status) Patch {
	p := Patch{Status: &s}
	if base, ok := baselines[s]; ok {
		p.Progress = &base
	}
	return p
}

// ProgressTo builds a patch that raises progress to v.
func ProgressTo(v float64) Patch {
	return Patch{Progress: &v}
}

// Complete builds the patch for a confirmed, validated result.
func Complete(resultRef string) Patch {
	p := Transition(StatusCompleted)
	p.ResultRef = &resultRef
	return p
}

// Fail builds the patch for a fatal error. The error kind is taken from err
// when it is an *Error.
func Fail(err error) Patch {
	p := Transition(StatusError)
	msg := err.Error()
	kind := KindOf(err)
	p.Error = &msg
	p.ErrorKind = &kind
	return p
}

// RetryInput optionally replaces the instruction or asset before a retry.
type RetryInput struct {
	Instruction *string `json:"instruction,omitempty"`
	AssetRef    *string `json:"asset_ref,omitempty"`
}

// Reset builds the patch that starts a new attempt.
func Reset(in RetryInput) Patch {
	return Patch{
		Reset:       true,
		Instruction: in.Instruction,
		AssetRef:    in.AssetRef,
	}
}
