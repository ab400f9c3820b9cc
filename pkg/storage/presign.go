package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/regressoor/pkg/config"
)

// Presigner issues time-limited GET URLs for objects.
type Presigner interface {
	PresignGet(ctx context.Context, loc Location) (string, error)
}

type presignCacheEntry struct {
	url       string
	expiresAt time.Time
}

// Compile-time interface check.
var _ Presigner = (*s3Presigner)(nil)

type s3Presigner struct {
	log      logrus.FieldLogger
	client   *s3.PresignClient
	expiry   time.Duration
	cacheTTL time.Duration
	allowed  []string
	mu       sync.RWMutex
	cache    map[string]presignCacheEntry
}

// NewS3Presigner creates a Presigner restricted to objects under the
// allowed "bucket/prefix" paths.
func NewS3Presigner(
	log logrus.FieldLogger,
	cfg *config.S3Config,
	allowed []string,
) (Presigner, error) {
	expiry, err := cfg.PresignExpiryDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing presign_expiry: %w", err)
	}

	paths := make([]string, 0, len(allowed))
	for _, p := range allowed {
		paths = append(paths, strings.Trim(p, "/"))
	}

	return &s3Presigner{
		log:      log.WithField("component", "s3-presigner"),
		client:   s3.NewPresignClient(newS3Client(cfg)),
		expiry:   expiry,
		cacheTTL: expiry / 2,
		allowed:  paths,
		cache:    make(map[string]presignCacheEntry),
	}, nil
}

// PresignGet returns a presigned GET URL for loc. URLs are cached for half
// their validity.
func (p *s3Presigner) PresignGet(ctx context.Context, loc Location) (string, error) {
	objectPath := loc.Bucket + "/" + loc.Key

	if !p.isAllowedPath(objectPath) {
		return "", fmt.Errorf("%s is not within an allowed path", loc)
	}

	now := time.Now()

	p.mu.RLock()
	if entry, ok := p.cache[objectPath]; ok && now.Before(entry.expiresAt) {
		p.mu.RUnlock()

		return entry.url, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[objectPath]; ok && now.Before(entry.expiresAt) {
		return entry.url, nil
	}

	result, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", loc, err)
	}

	p.cache[objectPath] = presignCacheEntry{
		url:       result.URL,
		expiresAt: now.Add(p.cacheTTL),
	}

	p.log.WithField("object", loc.String()).Debug("Presigned object URL")

	return result.URL, nil
}

// isAllowedPath checks that objectPath is clean and falls under an allowed
// prefix.
func (p *s3Presigner) isAllowedPath(objectPath string) bool {
	if objectPath == "" || strings.Contains(objectPath, "..") {
		return false
	}

	if path.Clean(objectPath) != objectPath {
		return false
	}

	for _, prefix := range p.allowed {
		if objectPath == prefix || strings.HasPrefix(objectPath, prefix+"/") {
			return true
		}
	}

	return false
}
