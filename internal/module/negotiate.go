package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Support what a remote end is known to accept for a named operation
type Support int

const (
	SupportUnknown Support = iota
	Supported
	Unsupported
)

func (s Support) String() string {
	switch s {
	case Supported:
		return "supported"
	case Unsupported:
		return "unsupported"
	}
	return "unknown"
}

// Candidate one way of performing an operation. Run returns an error
// wrapping ErrNotSupported when the remote end rejects the method itself.
type Candidate[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Negotiator remembers which candidates a session supports so later probes
// skip the ones already known to be rejected.
type Negotiator struct {
	mu    sync.Mutex
	known map[string]Support
}

// NewNegotiator returns a negotiator with nothing known.
func NewNegotiator() *Negotiator {
	return &Negotiator{known: make(map[string]Support)}
}

// Known returns what has been learned about name.
func (n *Negotiator) Known(name string) Support {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.known[name]
}

func (n *Negotiator) learn(name string, s Support) {
	n.mu.Lock()
	n.known[name] = s
	n.mu.Unlock()
}

// Negotiate tries candidates in order, skipping those known unsupported.
// The first success wins and is remembered as supported. A failure that is
// not ErrNotSupported stops the probe and is returned as is.
func Negotiate[T any](ctx context.Context, n *Negotiator, cands ...Candidate[T]) (T, string, error) {
	var zero T
	for _, c := range cands {
		if n.Known(c.Name) == Unsupported {
			continue
		}
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		v, err := c.Run(ctx)
		switch {
		case err == nil:
			n.learn(c.Name, Supported)
			return v, c.Name, nil
		case errors.Is(err, ErrNotSupported):
			n.learn(c.Name, Unsupported)
		default:
			return zero, c.Name, err
		}
	}
	return zero, "", fmt.Errorf("%w: no candidate accepted", ErrNotSupported)
}
