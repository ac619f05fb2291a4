// Package generation defines the port to the remote generative-media service.
package generation

import (
	"context"

	"github.com/Strob0t/AdFactory/internal/domain/jobstatus"
)

// UploadRequest carries an inline asset to publish.
type UploadRequest struct {
	Payload    string // data URI or bare base64
	FileName   string
	TargetPath string
}

// VideoJob is a create-job request for a video generation.
type VideoJob struct {
	Prompt      string
	ImageURLs   []string
	Model       string
	AspectRatio string
}

// ImageJob is a create-job request for an image remix.
type ImageJob struct {
	Prompt       string
	ImageURLs    []string
	Model        string
	AspectRatio  string
	Resolution   string
	OutputFormat string
}

// Service is the port interface for the generation service.
//
// Submit methods return the remote job id. A transport-successful response
// that carries no id is reported as a *task.Error of kind submission.
type Service interface {
	Upload(ctx context.Context, req UploadRequest) (publicURL string, err error)
	SubmitVideo(ctx context.Context, job VideoJob) (remoteJobID string, err error)
	SubmitImage(ctx context.Context, job ImageJob) (remoteJobID string, err error)

	// Poll queries the status of one remote job. A nil error means some
	// status endpoint produced a parseable reply.
	Poll(ctx context.Context, remoteJobID string) (jobstatus.Snapshot, error)
}

// Prober checks that a result reference can be retrieved.
type Prober interface {
	Probe(ctx context.Context, ref string) error
}
