package service

import (
	"context"
	"errors"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/generation"
	"github.com/Strob0t/AdFactory/internal/resilience"
)

const defaultOutputFormat = "png"

// Submitter turns a task and its batch configuration into a remote job.
type Submitter struct {
	gen    generation.Service
	assets *AssetService
	pool   *resilience.Pool
}

// NewSubmitter creates a Submitter. All create-job calls share pool with
// asset uploads.
func NewSubmitter(gen generation.Service, assets *AssetService, pool *resilience.Pool) *Submitter {
	return &Submitter{gen: gen, assets: assets, pool: pool}
}

// PrepareAsset resolves the task's input asset, falling back to the
// batch's shared source. It returns "" for text-only jobs.
func (s *Submitter) PrepareAsset(ctx context.Context, t *task.Task, shared *batch.SharedConfig) (string, error) {
	ref := t.AssetRef
	if ref == "" {
		ref = shared.SourceAsset
	}
	prefix := "actor"
	if t.Kind == task.KindImage {
		prefix = "source"
	}
	return s.assets.Resolve(ctx, ref, prefix)
}

// Submit creates the remote job and returns its id. Any failure is a
// *task.Error of kind submission and is never retried here.
func (s *Submitter) Submit(ctx context.Context, t *task.Task, shared *batch.SharedConfig, assetURL string) (string, error) {
	var images []string
	if assetURL != "" {
		images = []string{assetURL}
	}
	model := t.Model
	if model == "" {
		model = shared.Model
	}

	var jobID string
	err := s.pool.Run(ctx, func(ctx context.Context) error {
		var err error
		switch t.Kind {
		case task.KindVideo:
			jobID, err = s.gen.SubmitVideo(ctx, generation.VideoJob{
				Prompt:      videoPrompt(*shared, t.Instruction),
				ImageURLs:   images,
				Model:       model,
				AspectRatio: shared.AspectRatio,
			})
		case task.KindImage:
			jobID, err = s.gen.SubmitImage(ctx, generation.ImageJob{
				Prompt:       t.Instruction,
				ImageURLs:    images,
				Model:        model,
				AspectRatio:  shared.AspectRatio,
				Resolution:   shared.Resolution,
				OutputFormat: defaultOutputFormat,
			})
		default:
			err = task.SubmissionError("unsupported task kind " + string(t.Kind))
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var te *task.Error
		if errors.As(err, &te) {
			return "", err
		}
		return "", task.SubmissionTransportError(err)
	}
	if jobID == "" {
		return "", task.SubmissionError("")
	}
	return jobID, nil
}
