package task

// Progress baselines per phase, in percent.
const (
	ProgressPreparing  = 0.0
	ProgressUploading  = 10.0
	ProgressSubmitting = 20.0
	ProgressProcessing = 25.0
	ProgressCeiling    = 98.0 // highest value reachable before validation
	ProgressComplete   = 100.0

	// SyntheticAsymptote is approached, never passed, by synthetic progress.
	SyntheticAsymptote = 95.0
	syntheticGain      = 0.05

	remoteScale = 0.73
)

var baselines = map[Status]float64{
	StatusPreparing:  ProgressPreparing,
	StatusUploading:  ProgressUploading,
	StatusSubmitting: ProgressSubmitting,
	StatusProcessing: ProgressProcessing,
	StatusCompleted:  ProgressComplete,
}

// MapRemote converts a remote progress value p (0..100) reported while a job
// is processing into displayed progress: 25 + 0.73p, clamped to [25, 98].
// The remote service reports 0 while it queues, so the floor keeps the
// display from looking stalled.
func MapRemote(p float64) float64 {
	return clamp(ProgressProcessing+clamp(p, 0, 100)*remoteScale, ProgressProcessing, ProgressCeiling)
}

// NextSynthetic returns the next synthetic progress value while no remote
// job exists yet. Each tick closes a fixed fraction of the distance to
// SyntheticAsymptote.
func NextSynthetic(cur float64) float64 {
	if cur >= SyntheticAsymptote {
		return cur
	}
	next := cur + (SyntheticAsymptote-cur)*syntheticGain
	if SyntheticAsymptote-next < 0.01 {
		return SyntheticAsymptote
	}
	return next
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
