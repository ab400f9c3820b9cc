// Package fetchertest provides an in-memory Fetcher for tests.
package fetchertest

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/ethpandaops/regressoor/pkg/fetcher"
)

// Compile-time interface check.
var _ fetcher.Fetcher = (*Static)(nil)

// Static serves fixed content by location. Unknown locations fail with a
// permanent not-found error.
type Static struct {
	mu      sync.Mutex
	content map[string][]byte
	fetched []string
}

// NewStatic returns a Static serving content.
func NewStatic(content map[string]string) *Static {
	s := &Static{content: make(map[string][]byte, len(content))}

	for loc, data := range content {
		s.content[loc] = []byte(data)
	}

	return s
}

// Set adds or replaces the content at location.
func (s *Static) Set(location, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.content[location] = []byte(data)
}

// Fetched lists requested locations in order.
func (s *Static) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.fetched...)
}

func (s *Static) Fetch(_ context.Context, location string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetched = append(s.fetched, location)

	data, ok := s.content[location]
	if !ok {
		return nil, &fetcher.Error{Kind: fetcher.KindIO, Location: location, Err: fs.ErrNotExist}
	}

	return append([]byte(nil), data...), nil
}

func (s *Static) FetchJSON(ctx context.Context, location string) (json.RawMessage, error) {
	data, err := s.Fetch(ctx, location)
	if err != nil {
		return nil, err
	}

	stripped := jsonc.ToJSON(data)
	if !json.Valid(stripped) {
		return nil, &fetcher.Error{Kind: fetcher.KindPayload, Location: location, Err: errors.New("invalid JSON")}
	}

	return json.RawMessage(stripped), nil
}
