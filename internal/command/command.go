// ============================================================================
// Stork Commands - request envelope, handler contract and registry
// ============================================================================
//
// Package: internal/command
// File: command.go
// Purpose: What the router dispatches and what handlers implement
//
// Lifecycle of a Request:
//   transport builds Request{Command, Ad, Cell}
//        |
//   router authenticates (when the handler asks for it), sets User
//        |
//   handler returns an ad or an error
//        |
//   router resolves Cell; the transport writes exactly one response
//
// ============================================================================

package command

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/stork-queue/internal/cell"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Request
// ============================================================================

// Request one client command travelling through the router
type Request struct {
	ID       string
	Command  string
	Ad       ad.Ad
	User     *types.User // nil until authenticated
	Received time.Time
	Cell     *cell.Cell[ad.Ad]
}

// NewRequest wraps a client ad. The command name is taken from the ad's
// "command" attribute.
func NewRequest(a ad.Ad) *Request {
	if a == nil {
		a = ad.New()
	}
	return &Request{
		ID:       uuid.NewString(),
		Command:  strings.ToLower(strings.TrimSpace(a.Get("command"))),
		Ad:       a,
		Received: time.Now(),
		Cell:     cell.New[ad.Ad](),
	}
}

// Owner email of the authenticated user, or ""
func (r *Request) Owner() string {
	if r.User == nil {
		return ""
	}
	return r.User.Email
}

// ============================================================================
// Handler and registry
// ============================================================================

// Handler executes one command.
type Handler interface {
	Handle(req *Request) (ad.Ad, error)
	// RequiresAuth reports whether the router must log the user in first.
	RequiresAuth() bool
}

// Func adapts a function to Handler; auth is required.
type Func func(req *Request) (ad.Ad, error)

func (f Func) Handle(req *Request) (ad.Ad, error) { return f(req) }
func (f Func) RequiresAuth() bool                  { return true }

// Public adapts a function to a Handler that needs no login.
type Public func(req *Request) (ad.Ad, error)

func (f Public) Handle(req *Request) (ad.Ad, error) { return f(req) }
func (f Public) RequiresAuth() bool                  { return false }

// SecretReader is implemented by handlers that read the password fields
// themselves. The router strips them before every other handler.
type SecretReader interface {
	ReadsSecrets() bool
}

// Account adapts a public function that checks passwords on its own,
// such as registration and login.
type Account func(req *Request) (ad.Ad, error)

func (f Account) Handle(req *Request) (ad.Ad, error) { return f(req) }
func (f Account) RequiresAuth() bool                  { return false }
func (f Account) ReadsSecrets() bool                  { return true }

// Registry command name -> handler. Built once, read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from name/handler pairs.
//
// Panics on a duplicate or empty name: the table is fixed at startup.
func NewRegistry(entries map[string]Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(entries))}
	for name, h := range entries {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || h == nil {
			panic(fmt.Sprintf("command: invalid registration %q", name))
		}
		if _, ok := r.handlers[key]; ok {
			panic(fmt.Sprintf("command: duplicate registration %q", key))
		}
		r.handlers[key] = h
	}
	return r
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[strings.ToLower(name)]
	return h, ok
}

// Names sorted command names
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
