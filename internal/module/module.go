// ============================================================================
// Stork Transfer Modules - contract between the scheduler and data movers
// ============================================================================
//
// Package: internal/module
// File: module.go
// Purpose: Narrow interface every transfer module implements, plus the
//          optional listing/deletion capabilities used by ls and delete.
//
// Step contract:
//   Step(ctx, job) performs one bounded unit of work on a private copy of
//   the job and returns the state it should move to:
//     - scheduled: progress made or transient error; run another step later
//     - paused:    hold until a user resumes the job
//     - failed:    fatal error (job.Message says why)
//     - done:      transfer complete
//   Returning processing is a contract violation the scheduler repairs.
//
//   ctx is cancelled when the job is removed mid-step; a module must return
//   promptly once it notices.
//
// Modules:
//   - local:    built-in "file" scheme, chunked copy
//   - external: executables found in the libexec directory
//
// ============================================================================

package module

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrUnknownModule   = errors.New("no module handles this request")
	ErrDuplicateModule = errors.New("module handle already registered")
	ErrNotSupported    = errors.New("operation not supported by module")
	ErrBadURI          = errors.New("malformed resource uri")
)

// ============================================================================
// Interfaces
// ============================================================================

// Module a transfer module
type Module interface {
	// Handle unique short name, e.g. "file"
	Handle() string
	// Schemes URL schemes the module serves
	Schemes() []string
	// Describe info ad shown by "info type=module"
	Describe() ad.Ad
	// Step runs one unit of work, see package doc
	Step(ctx context.Context, job *types.Job) types.JobStatus
	// Cancel releases whatever a removed job left behind. It is called
	// once no step for job is running.
	Cancel(job *types.Job)
}

// Lister is implemented by modules that can describe a resource.
type Lister interface {
	Stat(ctx context.Context, uri string) (ad.Ad, error)
}

// Deleter is implemented by modules that can delete a resource.
// Implementations check ctx between entries so a cancelled delete stops
// part way through a tree.
type Deleter interface {
	Delete(ctx context.Context, uri string) error
}

// ============================================================================
// URI helpers
// ============================================================================

// Resource parsed resource identity; usable as a map key.
// User holds the uri userinfo and is left out of String.
type Resource struct {
	Scheme string
	User   string
	Host   string
	Path   string
}

func (r Resource) String() string {
	if r.Host == "" {
		return r.Scheme + "://" + r.Path
	}
	return r.Scheme + "://" + r.Host + r.Path
}

// ParseURI splits a resource uri. A bare path is treated as file://path.
func ParseURI(raw string) (Resource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Resource{}, fmt.Errorf("%w: empty", ErrBadURI)
	}
	if !strings.Contains(raw, "://") {
		abs, err := filepath.Abs(raw)
		if err != nil {
			return Resource{}, fmt.Errorf("%w: %v", ErrBadURI, err)
		}
		abs = filepath.ToSlash(abs)
		if strings.HasSuffix(raw, "/") {
			abs += "/"
		}
		return Resource{Scheme: "file", Path: cleanPath(abs)}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Resource{}, fmt.Errorf("%w: %v", ErrBadURI, err)
	}
	if u.Scheme == "" {
		return Resource{}, fmt.Errorf("%w: missing scheme in %q", ErrBadURI, raw)
	}
	res := Resource{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Host),
		Path:   cleanPath(u.Path),
	}
	if u.User != nil {
		res.User = u.User.String()
	}
	return res, nil
}

// cleanPath normalises a path so equal resources compare equal.
// A trailing slash is kept because it marks a directory listing.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	dir := strings.HasSuffix(p, "/")
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, part)
	}
	cleaned := "/" + strings.Join(out, "/")
	if dir && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
