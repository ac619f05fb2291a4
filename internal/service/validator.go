package service

import (
	"context"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/generation"
)

// ResultValidator confirms that a reported result can actually be fetched.
type ResultValidator struct {
	prober  generation.Prober
	timeout time.Duration
}

// NewResultValidator creates a ResultValidator. A nil prober accepts every
// reference.
func NewResultValidator(prober generation.Prober, timeout time.Duration) *ResultValidator {
	return &ResultValidator{prober: prober, timeout: timeout}
}

// Validate probes ref and returns an unreachable-result error on failure.
func (v *ResultValidator) Validate(ctx context.Context, ref string) error {
	if v == nil || v.prober == nil {
		return nil
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	if err := v.prober.Probe(ctx, ref); err != nil {
		return task.UnreachableError(ref, err)
	}
	return nil
}
