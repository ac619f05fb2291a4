// Package kie provides an HTTP client for the Kie.ai generation API.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Strob0t/AdFactory/internal/config"
	"github.com/Strob0t/AdFactory/internal/domain/jobstatus"
	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/generation"
	"github.com/Strob0t/AdFactory/internal/resilience"
)

const (
	pathUpload      = "/api/file-base64-upload"
	pathVideoCreate = "/api/v1/veo/generate"
	pathImageCreate = "/api/v1/jobs/createTask"

	generationImageToVideo = "FIRST_AND_LAST_FRAMES_2_VIDEO"
	generationTextToVideo  = "TEXT_2_VIDEO"

	maxErrorBody = 512
)

// Status endpoints, tried in order for the same job id.
var pollPaths = []string{
	"/api/v1/jobs/recordInfo",
	"/api/v1/veo/record-info",
}

var errNoStatus = errors.New("no status endpoint returned a usable reply")

// envelope is the common response wrapper of the Kie API.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// apiError is a non-2xx reply.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("kie API error %d: %s", e.Status, e.Body)
}

// Client talks to the Kie.ai API. It implements generation.Service and
// generation.Prober.
type Client struct {
	apiBase    string
	uploadBase string
	apiKey     func() string
	videoModel string
	imageModel string

	httpClient  *http.Client
	probeClient *http.Client
	breaker     *resilience.Breaker
}

// NewClient creates a Kie client from cfg. probeTimeout bounds each
// result reachability probe.
func NewClient(cfg *config.Kie, probeTimeout time.Duration) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	uploadBase := cfg.UploadBaseURL
	if uploadBase == "" {
		uploadBase = cfg.APIBaseURL
	}
	return &Client{
		apiBase:     strings.TrimRight(cfg.APIBaseURL, "/"),
		uploadBase:  strings.TrimRight(uploadBase, "/"),
		apiKey:      func() string { return cfg.APIKey },
		videoModel:  cfg.VideoModel,
		imageModel:  cfg.ImageModel,
		httpClient:  &http.Client{Timeout: cfg.TransportTimeout, Transport: transport},
		probeClient: &http.Client{Timeout: probeTimeout, Transport: transport},
	}
}

// SetKeySource makes the client read its API key from key on every
// request, so a rotated key takes effect without a restart.
func (c *Client) SetKeySource(key func() string) {
	c.apiKey = key
}

// SetBreaker attaches a circuit breaker to all outgoing API calls.
// Reachability probes go to the CDN, not the API, and bypass it.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Upload publishes an inline asset and returns its public URL. A 404 from
// the upload host retries once against the API host.
func (c *Client) Upload(ctx context.Context, req generation.UploadRequest) (string, error) {
	body, err := json.Marshal(map[string]string{
		"base64Data": stripDataURI(req.Payload),
		"fileName":   req.FileName,
		"uploadPath": req.TargetPath,
	})
	if err != nil {
		return "", fmt.Errorf("marshal upload: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, c.uploadBase+pathUpload, body)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound && c.uploadBase != c.apiBase {
		slog.Warn("upload host returned 404, falling back to api host", "upload_base", c.uploadBase)
		data, err = c.doRequest(ctx, http.MethodPost, c.apiBase+pathUpload, body)
	}
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if env.Code != http.StatusOK {
		return "", fmt.Errorf("upload rejected: %s", firstNonEmpty(env.Msg, "image upload failed"))
	}
	var out struct {
		DownloadURL string `json:"downloadUrl"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.DownloadURL == "" {
		return "", errors.New("upload reply carried no download URL")
	}
	return out.DownloadURL, nil
}

// SubmitVideo creates a Veo generation job.
func (c *Client) SubmitVideo(ctx context.Context, job generation.VideoJob) (string, error) {
	genType := generationTextToVideo
	images := job.ImageURLs
	if len(images) > 0 {
		genType = generationImageToVideo
	} else {
		images = []string{}
	}

	return c.submit(ctx, pathVideoCreate, map[string]any{
		"prompt":            job.Prompt,
		"model":             firstNonEmpty(job.Model, c.videoModel),
		"aspectRatio":       job.AspectRatio,
		"enableTranslation": false,
		"imageUrls":         images,
		"generationType":    genType,
	})
}

// SubmitImage creates an image remix job.
func (c *Client) SubmitImage(ctx context.Context, job generation.ImageJob) (string, error) {
	input := map[string]any{
		"prompt":       job.Prompt,
		"image_input":  job.ImageURLs,
		"aspect_ratio": job.AspectRatio,
	}
	if job.Resolution != "" {
		input["resolution"] = job.Resolution
	}
	input["output_format"] = firstNonEmpty(job.OutputFormat, "png")

	return c.submit(ctx, pathImageCreate, map[string]any{
		"model": firstNonEmpty(job.Model, c.imageModel),
		"input": input,
	})
}

func (c *Client) submit(ctx context.Context, path string, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal submit: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, c.apiBase+path, body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			if env, decErr := decodeEnvelope([]byte(apiErr.Body)); decErr == nil && env.Msg != "" {
				return "", task.SubmissionError(env.Msg)
			}
		}
		return "", task.SubmissionTransportError(err)
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		return "", task.SubmissionError("")
	}
	if env.Code != http.StatusOK {
		return "", task.SubmissionError(env.Msg)
	}
	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil || out.TaskID == "" {
		return "", task.SubmissionError("")
	}
	return out.TaskID, nil
}

// Poll queries each status endpoint in turn and returns the first
// successful normalized reply.
func (c *Client) Poll(ctx context.Context, remoteJobID string) (jobstatus.Snapshot, error) {
	q := url.Values{"taskId": {remoteJobID}}.Encode()

	lastErr := errNoStatus
	for _, p := range pollPaths {
		data, err := c.doRequest(ctx, http.MethodGet, c.apiBase+p+"?"+q, nil)
		if err != nil {
			if ctx.Err() != nil {
				return jobstatus.Snapshot{}, ctx.Err()
			}
			lastErr = err
			continue
		}
		if snap, ok := jobstatus.NormalizeEnvelope(data); ok {
			return snap, nil
		}
	}
	return jobstatus.Snapshot{}, fmt.Errorf("poll %s: %w", remoteJobID, lastErr)
}

// Probe checks that ref can be fetched. It sends HEAD and falls back to a
// one-byte ranged GET for hosts that refuse HEAD.
func (c *Client) Probe(ctx context.Context, ref string) error {
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid result reference %q", ref)
	}

	status, err := c.probe(ctx, http.MethodHead, ref)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusForbidden) {
		status, err = c.probe(ctx, http.MethodGet, ref)
	}
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("probe %s: status %d", ref, status)
	}
	return nil
}

func (c *Client) probe(ctx context.Context, method, ref string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, ref, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := c.probeClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", ref, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// doRequest performs one API call. Transport errors and 5xx replies count
// against the breaker; 4xx replies are returned as *apiError without
// tripping it.
func (c *Client) doRequest(ctx context.Context, method, target string, body []byte) ([]byte, error) {
	var (
		result    []byte
		clientErr error
	)
	call := func(ctx context.Context) error {
		var bodyReader io.Reader = http.NoBody
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if key := c.apiKey(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 500:
			return &apiError{Status: resp.StatusCode, Body: truncate(string(data), maxErrorBody)}
		case resp.StatusCode >= 300:
			clientErr = &apiError{Status: resp.StatusCode, Body: truncate(string(data), maxErrorBody)}
			return nil
		}
		result = data
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if clientErr != nil {
		return nil, clientErr
	}
	return result, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decode response: %w", err)
	}
	return env, nil
}

// stripDataURI removes a "data:<mime>;base64," header if present.
func stripDataURI(payload string) string {
	if strings.HasPrefix(payload, "data:") {
		if i := strings.IndexByte(payload, ','); i >= 0 {
			return payload[i+1:]
		}
	}
	return payload
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
