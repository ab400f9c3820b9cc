// Package enginetest provides an in-memory workflow engine for tests.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/regressoor/pkg/engine"
)

// Compile-time interface check.
var _ engine.Client = (*Fake)(nil)

// Fake records submissions and serves scripted statuses and outputs. It is
// safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	next        int
	submissions []engine.SubmitRequest
	statuses    map[string]engine.Status
	outputs     map[string]map[string]json.RawMessage
	submitErr   error
	statusErr   error
	delay       time.Duration
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		statuses: make(map[string]engine.Status),
		outputs:  make(map[string]map[string]json.RawMessage),
	}
}

// Submit assigns ids job-1, job-2, ... in submission order.
func (f *Fake) Submit(_ context.Context, req *engine.SubmitRequest) (*engine.WorkflowStatus, error) {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return nil, f.submitErr
	}

	f.next++
	id := fmt.Sprintf("job-%d", f.next)

	f.submissions = append(f.submissions, *req)
	f.statuses[id] = engine.StatusSubmitted

	return &engine.WorkflowStatus{ID: id, Status: engine.StatusSubmitted}, nil
}

func (f *Fake) Status(_ context.Context, id string) (*engine.WorkflowStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return nil, f.statusErr
	}

	status, ok := f.statuses[id]
	if !ok {
		return nil, &engine.Error{Kind: engine.KindRejection, Op: "status", StatusCode: 404}
	}

	return &engine.WorkflowStatus{ID: id, Status: status}, nil
}

func (f *Fake) Outputs(_ context.Context, id string) (*engine.WorkflowOutputs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &engine.WorkflowOutputs{ID: id, Outputs: f.outputs[id]}, nil
}

// SetStatus scripts the status reported for id.
func (f *Fake) SetStatus(id string, status engine.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses[id] = status
}

// SetOutputs scripts the outputs reported for id.
func (f *Fake) SetOutputs(id string, outputs map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw := make(map[string]json.RawMessage, len(outputs))
	for k, v := range outputs {
		data, _ := json.Marshal(v)
		raw[k] = data
	}

	f.outputs[id] = raw
}

// SetSubmitErr makes every following Submit fail with err.
func (f *Fake) SetSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submitErr = err
}

// SetSubmitDelay makes every following Submit wait d before answering.
func (f *Fake) SetSubmitDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.delay = d
}

// SetStatusErr makes every following Status fail with err.
func (f *Fake) SetStatusErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusErr = err
}

// Submissions returns a copy of the recorded submissions.
func (f *Fake) Submissions() []engine.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]engine.SubmitRequest(nil), f.submissions...)
}
