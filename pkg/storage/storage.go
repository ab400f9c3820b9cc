// Package storage reads and writes objects addressed by gs:// and s3://
// locations through an S3-compatible API.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound is returned (wrapped) when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore provides access to objects in buckets.
type ObjectStore interface {
	// Get reads an object. Missing keys yield ErrObjectNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put writes an object, replacing any existing one.
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

// Location is a parsed object URI.
type Location struct {
	Scheme string
	Bucket string
	Key    string
}

// String renders the location back to its URI form.
func (l Location) String() string {
	return fmt.Sprintf("%s://%s/%s", l.Scheme, l.Bucket, l.Key)
}

// ParseLocation parses gs://bucket/key and s3://bucket/key URIs. The boolean
// is false for any other scheme.
func ParseLocation(uri string) (Location, bool) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok || (scheme != "gs" && scheme != "s3") {
		return Location{}, false
	}

	bucket, key, _ := strings.Cut(rest, "/")

	return Location{Scheme: scheme, Bucket: bucket, Key: key}, true
}
