package conversation

import (
	"context"
	"sync"

	"github.com/codefionn/winichat/internal/timeline"
)

// Pending tracks the submission of a sent message.
type Pending struct {
	local *timeline.Message

	once sync.Once
	done chan struct{}
	msg  *timeline.Message
	err  error
}

func newPending(local *timeline.Message) *Pending {
	return &Pending{local: local, done: make(chan struct{})}
}

// UUID is the client id of the message.
func (p *Pending) UUID() string {
	return p.local.UUID
}

// Local returns the message as first shown.
func (p *Pending) Local() *timeline.Message {
	return p.local
}

// Done is closed when the submission finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the submission finished and returns the confirmed message.
func (p *Pending) Wait(ctx context.Context) (*timeline.Message, error) {
	select {
	case <-p.done:
		return p.msg, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) finish(msg *timeline.Message, err error) {
	p.once.Do(func() {
		p.msg, p.err = msg, err
		close(p.done)
	})
}
