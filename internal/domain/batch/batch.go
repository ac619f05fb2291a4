// Package batch defines the Batch entity: a group of generation tasks that
// share configuration and a creation context.
package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain"
	"github.com/Strob0t/AdFactory/internal/domain/task"
)

// Gender selects the speaking actor in voice presets.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// Voice holds the voice parameters for video tasks.
type Voice struct {
	Gender Gender `json:"gender" validate:"omitempty,oneof=male female"`
	Accent string `json:"accent,omitempty"`
}

// SharedConfig is the configuration every task in a batch reads.
// It is read-only once the batch is created.
type SharedConfig struct {
	Kind        task.Kind `json:"kind" validate:"oneof=video image"`
	SourceAsset string    `json:"source_asset,omitempty"` // inline data URI or public URL
	AspectRatio string    `json:"aspect_ratio"`
	Resolution  string    `json:"resolution,omitempty"`
	Model       string    `json:"model,omitempty"`
	Preset      string    `json:"preset,omitempty"`
	Voice       Voice     `json:"voice"`
	Context     string    `json:"context,omitempty"` // additional direction appended to every prompt
}

// Batch is created once per production run.
type Batch struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"display_name"`
	Shared      SharedConfig `json:"shared"`
	WorkspaceID string       `json:"workspace_id"`
	CreatedBy   string       `json:"created_by"`
	CreatedAt   time.Time    `json:"created_at"`
}

// DefaultWorkspace owns batches created without an explicit workspace.
const DefaultWorkspace = "default"

// Input is one item of work submitted to a batch.
type Input struct {
	Instruction string `json:"instruction"`
	AssetRef    string `json:"asset_ref,omitempty"`
	Model       string `json:"model,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// IsEmpty reports whether the input carries no instruction text.
func (in Input) IsEmpty() bool {
	return strings.TrimSpace(in.Instruction) == ""
}

// CreateRequest holds the fields needed to create and run a batch.
type CreateRequest struct {
	Name        string       `json:"name"`
	WorkspaceID string       `json:"workspace_id,omitempty"`
	CreatedBy   string       `json:"created_by"`
	Shared      SharedConfig `json:"shared"`
	Inputs      []Input      `json:"inputs"`
}

// Validate checks the request before any remote call is made.
func (r *CreateRequest) Validate() error {
	if err := checkStruct(r); err != nil {
		return err
	}
	nonEmpty := 0
	for _, in := range r.Inputs {
		if !in.IsEmpty() {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		return fmt.Errorf("%w: at least one non-empty input is required", domain.ErrValidation)
	}
	if r.Shared.Kind == task.KindVideo && r.Shared.SourceAsset == "" {
		return fmt.Errorf("%w: a reference image is required for video batches", domain.ErrValidation)
	}
	return nil
}

// Source is one uploaded reference image in a remix batch.
type Source struct {
	Name  string `json:"name"`
	Asset string `json:"asset" validate:"required"` // inline data URI or public URL
}

// RemixRequest creates an image batch of len(Sources) x VariationsPerImage
// tasks, assigning Models round-robin across each source's variations.
type RemixRequest struct {
	Name               string   `json:"name"`
	WorkspaceID        string   `json:"workspace_id,omitempty"`
	CreatedBy          string   `json:"created_by"`
	Sources            []Source `json:"sources" validate:"required,min=1,dive"`
	VariationsPerImage int      `json:"variations_per_image" validate:"min=1,max=10"`
	Models             []string `json:"models"`
	AspectRatio        string   `json:"aspect_ratio"`
	Resolution         string   `json:"resolution,omitempty"`
	OfferContext       string   `json:"offer_context,omitempty"`
	CustomPrompt       string   `json:"custom_prompt,omitempty"`
}

// MaxVariationsPerImage bounds a single remix request. Keep in sync with the
// max tag on RemixRequest.VariationsPerImage.
const MaxVariationsPerImage = 10

// Validate checks the remix request.
func (r *RemixRequest) Validate() error {
	return checkStruct(r)
}

// Summary is the aggregate view of a batch, recomputed from its tasks.
type Summary struct {
	BatchID        string `json:"batch_id"`
	Total          int    `json:"total"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
	ActiveCount    int    `json:"active_count"`
	Finished       bool   `json:"finished"`
}

// Summarize projects the aggregate state of a batch from its tasks.
// A batch with no tasks is not finished.
func Summarize(batchID string, tasks []task.Task) Summary {
	s := Summary{BatchID: batchID, Total: len(tasks)}
	for i := range tasks {
		switch tasks[i].Status {
		case task.StatusCompleted:
			s.CompletedCount++
		case task.StatusError:
			s.FailedCount++
		default:
			s.ActiveCount++
		}
	}
	s.Finished = s.Total > 0 && s.ActiveCount == 0
	return s
}
