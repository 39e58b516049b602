// ============================================================================
// Stork Local Module - file:// transfers
// ============================================================================
//
// Package: internal/module
// File: local.go
// Purpose: Built-in module for the local filesystem
//
// Step:
//   Copies at most chunkSize bytes per step, resuming at job.Progress.Done,
//   so a large file never pins an executor for long and a removed job stops
//   within one chunk. Directories are copied file by file in one step.
//
//   Errors:
//     - source missing / not readable     -> failed
//     - other I/O error                   -> attempt counted; scheduled
//                                            until max attempts, then failed
//
//   Option "hold=true" pauses the job once before it starts.
//
// Listing / deletion:
//   Stat describes a file or lists a directory. Delete removes a tree,
//   checking ctx between entries.
//
// ============================================================================

package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// Local built-in filesystem module
type Local struct {
	chunkSize int64
	log       *slog.Logger
}

// NewLocal creates the file module. chunkSize <= 0 copies whole files.
func NewLocal(chunkSize int64) *Local {
	return &Local{
		chunkSize: chunkSize,
		log:       slog.With("component", "module", "module", "file"),
	}
}

func (l *Local) Handle() string    { return "file" }
func (l *Local) Schemes() []string { return []string{"file"} }

func (l *Local) Describe() ad.Ad {
	return ad.Of(
		"name", "Local filesystem",
		"handle", l.Handle(),
		"protocols", []string{"file"},
		"version", "1.0",
		"description", "Chunked copy between local paths",
		"chunk_size", l.chunkSize,
	)
}

// Step copies the next chunk of job.Src to job.Dest.
func (l *Local) Step(ctx context.Context, job *types.Job) types.JobStatus {
	if job.Options["hold"] == "true" {
		delete(job.Options, "hold")
		job.Message = "held until resumed"
		return types.StatusPaused
	}

	src, err := localPath(job.Src)
	if err != nil {
		return fail(job, err)
	}
	dest, err := localPath(job.Dest)
	if err != nil {
		return fail(job, err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return fail(job, fmt.Errorf("source: %w", err))
	}

	if info.IsDir() {
		err = copyTree(ctx, src, dest)
		if err == nil {
			job.Progress = types.Progress{Done: 1, Total: 1}
			job.Message = ""
			return types.StatusDone
		}
		return l.retry(ctx, job, err)
	}

	job.Progress.Total = info.Size()
	done, err := l.copyChunk(ctx, src, dest, job.Progress.Done, info.Size())
	if err != nil {
		return l.retry(ctx, job, err)
	}
	job.Progress.Done = done
	job.Message = ""
	if done >= info.Size() {
		return types.StatusDone
	}
	return types.StatusScheduled
}

func (l *Local) retry(ctx context.Context, job *types.Job, err error) types.JobStatus {
	if ctx.Err() != nil {
		// Removal or shutdown; the scheduler decides what happens next.
		job.Message = "interrupted"
		return types.StatusScheduled
	}
	job.Attempts++
	job.Message = err.Error()
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		l.log.Warn("giving up on job", "job", job.ID, "attempts", job.Attempts, "error", err)
		return types.StatusFailed
	}
	return types.StatusScheduled
}

func fail(job *types.Job, err error) types.JobStatus {
	job.Message = err.Error()
	return types.StatusFailed
}

// copyChunk copies [offset, offset+chunk) and returns the new offset.
func (l *Local) copyChunk(ctx context.Context, src, dest string, offset, size int64) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return offset, err
	}
	defer in.Close()

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return offset, err
	}
	out, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return offset, err
	}

	n := size - offset
	if l.chunkSize > 0 && n > l.chunkSize {
		n = l.chunkSize
	}
	written, err := io.CopyN(
		io.NewOffsetWriter(out, offset),
		io.NewSectionReader(in, offset, n),
		n,
	)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && offset+written >= size {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return offset + written, err
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Cancel removes a partially written destination file.
func (l *Local) Cancel(job *types.Job) {
	if job.Progress.Total == 0 || job.Progress.Done >= job.Progress.Total {
		return
	}
	dest, err := localPath(job.Dest)
	if err != nil {
		return
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.log.Warn("cleanup of partial destination failed", "job", job.ID, "path", dest, "error", err)
	}
}

// Stat describes a file, or lists a directory's entries.
func (l *Local) Stat(ctx context.Context, uri string) (ad.Ad, error) {
	path, err := localPath(uri)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	out := fileAd(filepath.Base(path), info)
	if !info.IsDir() {
		return out, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	files := make([]any, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fi, err := e.Info()
		if err != nil {
			// Entry vanished between ReadDir and Info.
			continue
		}
		files = append(files, fileAd(e.Name(), fi))
	}
	sort.Slice(files, func(i, k int) bool {
		return files[i].(ad.Ad).Get("name") < files[k].(ad.Ad).Get("name")
	})
	out["files"] = files
	return out, nil
}

func fileAd(name string, fi fs.FileInfo) ad.Ad {
	return ad.Of(
		"name", name,
		"size", fi.Size(),
		"dir", fi.IsDir(),
		"mtime", fi.ModTime().Unix(),
		"perm", fi.Mode().Perm().String(),
	)
}

// Delete removes uri and everything below it, deepest entries first.
func (l *Local) Delete(ctx context.Context, uri string) error {
	path, err := localPath(uri)
	if err != nil {
		return err
	}
	return deleteTree(ctx, path)
}

func deleteTree(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := deleteTree(ctx, filepath.Join(path, e.Name())); err != nil {
				return err
			}
		}
	}
	return os.Remove(path)
}

func localPath(uri string) (string, error) {
	r, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	if r.Scheme != "file" {
		return "", fmt.Errorf("%w: scheme %q is not file", ErrBadURI, r.Scheme)
	}
	return filepath.FromSlash(r.Path), nil
}
