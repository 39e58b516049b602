// ============================================================================
// Stork Command Handlers
// ============================================================================
//
// Package: internal/handlers
// File: handlers.go
// Purpose: The client-visible commands and the registry that maps them
//
// Commands:
//   submit          queue a transfer job                    (login)
//   q, status,      query jobs: range, status, count, ...   (login)
//     query
//   rm, remove      remove a range of jobs                  (login)
//   resume          re-queue paused jobs                    (login)
//   ls, list        list a remote resource, deduplicated    (login)
//   delete          delete a resource, with a timeout       (login)
//   cred            store / list / drop credentials         (login)
//   user            register or log in                      (public)
//   info            module or server information            (public)
//
// Every handler returns an ad or an error; the router turns errors into
// error responses.
//
// ============================================================================

package handlers

import (
	"time"

	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/internal/dedup"
	"github.com/ChuLiYu/stork-queue/internal/jobmanager"
	"github.com/ChuLiYu/stork-queue/internal/module"
	"github.com/ChuLiYu/stork-queue/internal/scheduler"
	"github.com/ChuLiYu/stork-queue/internal/users"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

const (
	defaultListTimeout   = time.Minute
	defaultDeleteTimeout = 5 * time.Minute
)

// Deps everything the handlers reach into
type Deps struct {
	Config    types.Config
	Scheduler *scheduler.Scheduler
	Jobs      *jobmanager.JobManager
	Modules   *module.Table
	Users     *users.Store
	Creds     *cred.Manager
	Listings  *dedup.Registry[ListingKey, ad.Ad]

	// ForceDump asks the persistence loop for an early snapshot. Optional.
	ForceDump func()
	// Pending reports queued client requests for "info type=server". Optional.
	Pending func() int

	ListTimeout   time.Duration
	DeleteTimeout time.Duration
}

// Handlers command implementations
type Handlers struct {
	d Deps
}

// New fills defaults for missing optional dependencies.
func New(d Deps) *Handlers {
	if d.Listings == nil {
		d.Listings = dedup.New[ListingKey, ad.Ad]()
	}
	if d.ForceDump == nil {
		d.ForceDump = func() {}
	}
	if d.ListTimeout <= 0 {
		d.ListTimeout = defaultListTimeout
	}
	if d.DeleteTimeout <= 0 {
		d.DeleteTimeout = defaultDeleteTimeout
	}
	return &Handlers{d: d}
}

// Registry builds the command table.
func (h *Handlers) Registry() *command.Registry {
	return command.NewRegistry(map[string]command.Handler{
		"submit": command.Func(h.Submit),
		"q":      command.Func(h.Query),
		"status": command.Func(h.Query),
		"query":  command.Func(h.Query),
		"rm":     command.Func(h.Remove),
		"remove": command.Func(h.Remove),
		"resume": command.Func(h.Resume),
		"ls":     command.Func(h.List),
		"list":   command.Func(h.List),
		"delete": command.Func(h.Delete),
		"cred":   command.Func(h.Cred),
		"user":   command.Account(h.User),
		"info":   command.Public(h.Info),
	})
}
