// ============================================================================
// Stork External Module - executables in the libexec directory
// ============================================================================
//
// Package: internal/module
// File: external.go
// Purpose: Wraps a transfer program (ftp, gridftp, http, ...) as a Module
//
// Program protocol:
//   <exe> -i                  print the module info ad as JSON and exit 0
//   <exe> <src> <dest>        perform the transfer
//   <exe> -l <uri>            print a listing ad as JSON
//   <exe> -s <uri>            print a stat ad as JSON
//
//   Exit codes:
//     0   success
//     64  operation not supported (listing modes only)
//     75  transient failure, try again later
//     *   failure; counted against the job's attempts
//
//   Credentials and options travel in the environment:
//     STORK_CRED_TYPE / STORK_CRED_USER / STORK_CRED_SECRET
//     STORK_JOB_ID, STORK_OPT_<NAME>
//
// ============================================================================

package module

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

const (
	exitUnsupported = 64
	exitTempFail    = 75

	infoTimeout = 5 * time.Second
)

// External module backed by a program
type External struct {
	path    string
	handle  string
	schemes []string
	info    ad.Ad
	neg     *Negotiator
	log     *slog.Logger
}

// LoadExternal asks the program at path to describe itself.
func LoadExternal(ctx context.Context, path string) (*External, error) {
	ctx, cancel := context.WithTimeout(ctx, infoTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "-i").Output()
	if err != nil {
		return nil, fmt.Errorf("query module info %s: %w", path, err)
	}
	info, err := ad.FromJSON(out)
	if err != nil {
		return nil, fmt.Errorf("module info %s: %w", path, err)
	}

	handle := info.Get("handle", strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	schemes := protocols(info)
	if len(schemes) == 0 {
		return nil, fmt.Errorf("module %s declares no protocols", path)
	}
	info["handle"] = handle

	return &External{
		path:    path,
		handle:  handle,
		schemes: schemes,
		info:    info,
		neg:     NewNegotiator(),
		log:     slog.With("component", "module", "module", handle),
	}, nil
}

func protocols(info ad.Ad) []string {
	var out []string
	switch v := info["protocols"].(type) {
	case string:
		for _, p := range strings.Split(v, ",") {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				out = append(out, p)
			}
		}
	case []any:
		for _, p := range v {
			if s, ok := p.(string); ok && s != "" {
				out = append(out, strings.ToLower(s))
			}
		}
	}
	return out
}

func (e *External) Handle() string    { return e.handle }
func (e *External) Schemes() []string { return append([]string(nil), e.schemes...) }
func (e *External) Describe() ad.Ad   { return e.info.Clone() }

// Path location of the program
func (e *External) Path() string { return e.path }

func (e *External) command(ctx context.Context, job *types.Job, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Env = os.Environ()
	if c, ok := cred.FromContext(ctx); ok {
		cmd.Env = append(cmd.Env, c.Env()...)
	}
	if job != nil {
		cmd.Env = append(cmd.Env, "STORK_JOB_ID="+job.ID.String())
		for k, v := range job.Options {
			cmd.Env = append(cmd.Env, "STORK_OPT_"+strings.ToUpper(k)+"="+v)
		}
	}
	return cmd
}

// Step runs the whole transfer as one program invocation.
func (e *External) Step(ctx context.Context, job *types.Job) types.JobStatus {
	var stderr bytes.Buffer
	cmd := e.command(ctx, job, job.Src, job.Dest)
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		job.Message = ""
		return types.StatusDone
	}
	if ctx.Err() != nil {
		job.Message = "interrupted"
		return types.StatusScheduled
	}

	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	job.Message = msg

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
		return types.StatusScheduled
	}
	job.Attempts++
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		e.log.Warn("giving up on job", "job", job.ID, "attempts", job.Attempts, "error", msg)
		return types.StatusFailed
	}
	return types.StatusScheduled
}

// Cancel has nothing to release; the program is killed with its context.
func (e *External) Cancel(job *types.Job) {
	e.log.Debug("job cancelled", "job", job.ID)
}

// Stat prefers the listing mode and falls back to plain stat when the
// program reports the listing mode unsupported.
func (e *External) Stat(ctx context.Context, uri string) (ad.Ad, error) {
	run := func(flag string) func(context.Context) (ad.Ad, error) {
		return func(ctx context.Context) (ad.Ad, error) {
			var stderr bytes.Buffer
			cmd := e.command(ctx, nil, flag, uri)
			cmd.Stderr = &stderr
			out, err := cmd.Output()
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) && exitErr.ExitCode() == exitUnsupported {
					return nil, fmt.Errorf("%s %s: %w", e.handle, flag, ErrNotSupported)
				}
				if msg := strings.TrimSpace(stderr.String()); msg != "" {
					return nil, errors.New(msg)
				}
				return nil, err
			}
			var listing ad.Ad
			if err := json.Unmarshal(out, &listing); err != nil {
				return nil, fmt.Errorf("%s %s: bad output: %w", e.handle, flag, err)
			}
			return listing, nil
		}
	}

	res, _, err := Negotiate(ctx, e.neg,
		Candidate[ad.Ad]{Name: "list", Run: run("-l")},
		Candidate[ad.Ad]{Name: "stat", Run: run("-s")},
	)
	return res, err
}
