// Package notifytest provides recording notification sinks for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/ethpandaops/regressoor/pkg/notify"
)

// Comment is a recorded GitHub comment.
type Comment struct {
	Owner string
	Repo  string
	Issue int
	Body  string
}

// Emailer records sent messages.
type Emailer struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

var _ notify.Emailer = (*Emailer)(nil)

func (e *Emailer) Send(_ context.Context, msg notify.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}

	e.sent = append(e.sent, msg)

	return nil
}

// SetErr makes subsequent sends fail with err.
func (e *Emailer) SetErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.err = err
}

// Sent returns a copy of the recorded messages.
func (e *Emailer) Sent() []notify.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]notify.Message(nil), e.sent...)
}

// Commenter records posted comments.
type Commenter struct {
	mu       sync.Mutex
	comments []Comment
}

var _ notify.Commenter = (*Commenter)(nil)

func (c *Commenter) PostComment(
	_ context.Context, owner, repo string, issue int, body string,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.comments = append(c.comments, Comment{Owner: owner, Repo: repo, Issue: issue, Body: body})

	return nil
}

// Comments returns a copy of the recorded comments.
func (c *Commenter) Comments() []Comment {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Comment(nil), c.comments...)
}
