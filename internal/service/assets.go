package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/AdFactory/internal/domain/task"
	"github.com/Strob0t/AdFactory/internal/port/cache"
	"github.com/Strob0t/AdFactory/internal/port/generation"
	"github.com/Strob0t/AdFactory/internal/resilience"
)

const assetKeyPrefix = "asset:"

// AssetService publishes inline assets through the generation service and
// remembers the resulting URLs by content hash.
type AssetService struct {
	gen        generation.Service
	cache      cache.Cache
	ttl        time.Duration
	targetPath string
	pool       *resilience.Pool
	now        func() time.Time
}

// NewAssetService creates an AssetService. c may be nil to disable caching.
func NewAssetService(gen generation.Service, c cache.Cache, ttl time.Duration, targetPath string, pool *resilience.Pool) *AssetService {
	return &AssetService{
		gen:        gen,
		cache:      c,
		ttl:        ttl,
		targetPath: targetPath,
		pool:       pool,
		now:        time.Now,
	}
}

// Resolve returns a public URL for ref. Public URLs are returned as-is;
// inline payloads are uploaded once per distinct content. Failures are
// *task.Error of kind upload.
func (s *AssetService) Resolve(ctx context.Context, ref, namePrefix string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || isPublicURL(ref) {
		return ref, nil
	}

	upload := func(ctx context.Context) ([]byte, error) {
		var publicURL string
		err := s.pool.Run(ctx, func(ctx context.Context) error {
			var err error
			publicURL, err = s.gen.Upload(ctx, generation.UploadRequest{
				Payload:    ref,
				FileName:   fmt.Sprintf("%s_%d%s", namePrefix, s.now().UnixMilli(), extensionFor(ref)),
				TargetPath: s.targetPath,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		return []byte(publicURL), nil
	}

	var (
		data []byte
		err  error
	)
	if s.cache != nil {
		data, err = cache.GetOrLoad(ctx, s.cache, assetKey(ref), s.ttl, upload)
	} else {
		data, err = upload(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", task.UploadError(err)
	}

	slog.Debug("asset resolved", "url", string(data))
	return string(data), nil
}

func assetKey(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return assetKeyPrefix + hex.EncodeToString(sum[:])
}

func isPublicURL(ref string) bool {
	return strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "http://")
}

// extensionFor picks a file extension from a data URI's media type.
func extensionFor(payload string) string {
	switch {
	case strings.HasPrefix(payload, "data:image/png"):
		return ".png"
	case strings.HasPrefix(payload, "data:image/webp"):
		return ".webp"
	default:
		return ".jpg"
	}
}
