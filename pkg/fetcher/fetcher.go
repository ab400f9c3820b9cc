// Package fetcher loads workflow definitions, dependency files and JSON
// documents from http(s) URLs, object storage or the local filesystem.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/jsonc"

	"github.com/ethpandaops/regressoor/pkg/config"
	"github.com/ethpandaops/regressoor/pkg/storage"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	// KindTransport is a network failure talking to an HTTP server.
	KindTransport ErrorKind = "transport"
	// KindStatus is a non-2xx HTTP response.
	KindStatus ErrorKind = "status"
	// KindTooLarge is an HTTP body exceeding the configured cap.
	KindTooLarge ErrorKind = "too_large"
	// KindIO is a local filesystem failure.
	KindIO ErrorKind = "io"
	// KindStorage is an object storage failure.
	KindStorage ErrorKind = "storage"
	// KindPayload is content that is not valid JSON.
	KindPayload ErrorKind = "payload"
)

// Error describes a failed fetch.
type Error struct {
	Kind       ErrorKind
	Location   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("fetching %s: unexpected status %d", e.Location, e.StatusCode)
	}

	return fmt.Sprintf("fetching %s (%s): %v", e.Location, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether retrying the same fetch later may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTransport:
		return true
	case KindStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	case KindStorage:
		return !errors.Is(e.Err, storage.ErrObjectNotFound)
	default:
		return false
	}
}

// Fetcher loads resources by location.
type Fetcher interface {
	// Fetch returns the raw bytes at location.
	Fetch(ctx context.Context, location string) ([]byte, error)

	// FetchJSON returns the JSON document at location. Comments and trailing
	// commas are stripped first.
	FetchJSON(ctx context.Context, location string) (json.RawMessage, error)
}

// Compile-time interface check.
var _ Fetcher = (*fetcher)(nil)

type fetcher struct {
	log     logrus.FieldLogger
	client  *http.Client
	objects storage.ObjectStore
	maxSize int64
}

// New creates a Fetcher. objects may be nil, in which case gs:// and s3://
// locations are read as local paths.
func New(
	log logrus.FieldLogger,
	cfg *config.FetcherConfig,
	objects storage.ObjectStore,
) (Fetcher, error) {
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return nil, fmt.Errorf("parsing fetch timeout: %w", err)
	}

	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, fmt.Errorf("parsing fetch max size: %w", err)
	}

	return &fetcher{
		log:     log.WithField("component", "fetcher"),
		client:  &http.Client{Timeout: timeout},
		objects: objects,
		maxSize: maxSize,
	}, nil
}

func (f *fetcher) Fetch(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return f.fetchHTTP(ctx, location)
	}

	if loc, ok := storage.ParseLocation(location); ok && f.objects != nil {
		data, err := f.objects.Get(ctx, loc.Bucket, loc.Key)
		if err != nil {
			return nil, &Error{Kind: KindStorage, Location: location, Err: err}
		}

		return data, nil
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, &Error{Kind: KindIO, Location: location, Err: err}
	}

	return data, nil
}

func (f *fetcher) FetchJSON(
	ctx context.Context, location string,
) (json.RawMessage, error) {
	data, err := f.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}

	stripped := jsonc.ToJSON(data)
	if !json.Valid(stripped) {
		return nil, &Error{
			Kind:     KindPayload,
			Location: location,
			Err:      errors.New("invalid JSON"),
		}
	}

	return json.RawMessage(stripped), nil
}

func (f *fetcher) fetchHTTP(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Location: location, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Location: location, Err: err}
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindStatus, Location: location, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Location: location, Err: err}
	}

	if int64(len(data)) > f.maxSize {
		return nil, &Error{
			Kind:     KindTooLarge,
			Location: location,
			Err:      fmt.Errorf("body exceeds %d bytes", f.maxSize),
		}
	}

	f.log.WithFields(logrus.Fields{
		"location": location,
		"size":     len(data),
	}).Debug("Fetched resource")

	return data, nil
}
