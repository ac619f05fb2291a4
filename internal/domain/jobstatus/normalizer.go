// Package jobstatus normalizes the generation service's status payloads.
//
// The service reports job state in several legacy encodings that vary by
// endpoint and model family. Normalize reduces any of them to one Snapshot
// using a rule table evaluated in a fixed precedence order:
//
//	terminal failure > result reference present > success code > processing
//
// Only a result reference makes a job succeeded. A success code without one
// leaves the job processing with ClaimedSuccess set.
package jobstatus

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Phase is the canonical remote phase of a job.
type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

// Snapshot is the normalized view of one status payload.
type Snapshot struct {
	Phase     Phase
	Progress  float64 // remote progress 0..100, 0 when not reported
	ResultRef string
	Error     string

	// ClaimedSuccess is set when a success code arrived without a result
	// reference.
	ClaimedSuccess bool
}

// codeRule matches a field against a set of values.
type codeRule struct {
	path   string
	values []string
}

func (r codeRule) match(data gjson.Result) bool {
	v := data.Get(r.path)
	if !v.Exists() {
		return false
	}
	s := strings.ToLower(v.String())
	for _, want := range r.values {
		if s == want {
			return true
		}
	}
	return false
}

var (
	failureRules = []codeRule{
		{path: "status", values: []string{"3", "4"}},
		{path: "successFlag", values: []string{"2", "3"}},
		{path: "state", values: []string{"fail", "failed"}},
	}

	successRules = []codeRule{
		{path: "status", values: []string{"1", "2"}},
		{path: "successFlag", values: []string{"1"}},
		{path: "state", values: []string{"success"}},
	}

	// Searched in order; the first non-empty string wins.
	resultPaths = []string{
		"videoUrl",
		"mp4Url",
		"url",
		"response.resultUrls.0",
		"videoInfo.videoUrl",
		"recordInfo.videoUrl",
	}

	// resultJson is a JSON document encoded as a string.
	embeddedResultField = "resultJson"
	embeddedResultPaths = []string{"resultUrls.0", "resultUrl", "url"}

	errorPaths = []string{"errorMsg", "errorMessage", "failMsg", "msg"}
)

// Normalize maps the data object of a status response to a Snapshot.
// A success code without a result reference stays processing: there is
// nothing to validate yet.
func Normalize(data []byte) Snapshot {
	return normalize(gjson.ParseBytes(data))
}

// NormalizeEnvelope parses a full `{code, msg, data}` response. It reports
// false when the envelope is not a successful status reply, so the caller
// can try another endpoint.
func NormalizeEnvelope(body []byte) (Snapshot, bool) {
	if !gjson.ValidBytes(body) {
		return Snapshot{}, false
	}
	env := gjson.ParseBytes(body)
	if env.Get("code").Int() != 200 {
		return Snapshot{}, false
	}
	data := env.Get("data")
	if !data.IsObject() {
		return Snapshot{}, false
	}
	return normalize(data), true
}

func normalize(data gjson.Result) Snapshot {
	snap := Snapshot{
		Phase:     PhaseProcessing,
		Progress:  data.Get("progress").Float(),
		ResultRef: resultRef(data),
	}

	for _, r := range failureRules {
		if r.match(data) {
			snap.Phase = PhaseFailed
			snap.Error = errorText(data)
			snap.ResultRef = ""
			return snap
		}
	}

	if snap.ResultRef != "" {
		snap.Phase = PhaseSucceeded
		return snap
	}

	for _, r := range successRules {
		if r.match(data) {
			snap.ClaimedSuccess = true
			break
		}
	}
	return snap
}

func resultRef(data gjson.Result) string {
	for _, p := range resultPaths {
		if v := data.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	embedded := data.Get(embeddedResultField)
	if embedded.Type != gjson.String || !gjson.Valid(embedded.Str) {
		return ""
	}
	inner := gjson.Parse(embedded.Str)
	for _, p := range embeddedResultPaths {
		if v := inner.Get(p); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func errorText(data gjson.Result) string {
	for _, p := range errorPaths {
		if v := data.Get(p); v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return v.Str
		}
	}
	return ""
}
