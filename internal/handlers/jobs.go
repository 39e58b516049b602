package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/jobmanager"
	"github.com/ChuLiYu/stork-queue/internal/scheduler"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/ranges"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// Submit creates a job from src, dest and optional options / cred /
// max_attempts.
func (h *Handlers) Submit(req *command.Request) (ad.Ad, error) {
	a := req.Ad
	job := types.Job{
		Owner:       req.Owner(),
		Src:         a.Get("src"),
		Dest:        a.Get("dest"),
		Cred:        a.Get("cred"),
		MaxAttempts: a.GetInt("max_attempts", 0),
	}
	if opts := a.GetAd("options"); len(opts) > 0 {
		job.Options = make(map[string]string, len(opts))
		for k := range opts {
			job.Options[k] = opts.Get(k)
		}
	}

	stored, err := h.d.Scheduler.Submit(job)
	if err != nil {
		return nil, err
	}
	if h.d.Config.DumpOnSubmit {
		h.d.ForceDump()
	}
	return stored.Ad(), nil
}

// parseRange reads the "range" attribute, falling back to "job_id".
func parseRange(a ad.Ad) (ranges.Range, bool, error) {
	raw := a.Get("range")
	if raw == "" {
		raw = a.Get("job_id")
	}
	if raw == "" {
		return ranges.Range{}, false, nil
	}
	r, err := ranges.Parse(raw)
	if err != nil {
		return ranges.Range{}, true, command.Errorf(command.KindBadRequest, "could not parse range")
	}
	return r, true, nil
}

func parseStatuses(raw string) (map[types.JobStatus]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "all") {
		return nil, nil
	}
	out := make(map[types.JobStatus]bool)
	for _, part := range strings.Split(raw, ",") {
		s, err := types.ParseStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, command.Wrap(command.KindBadRequest, err)
		}
		out[s] = true
	}
	return out, nil
}

// Query lists the caller's jobs.
//
// Attributes:
//   - range:   "1-3,7"
//   - status:  comma separated states, or "all"
//   - count:   only return the number of matches
//   - reverse: newest first
//   - limit:   at most this many jobs
func (h *Handlers) Query(req *command.Request) (ad.Ad, error) {
	a := req.Ad
	f := jobmanager.Filter{
		Owner:   req.Owner(),
		Reverse: a.GetBool("reverse"),
		Limit:   a.GetInt("limit", 0),
	}
	r, ok, err := parseRange(a)
	if err != nil {
		return nil, err
	}
	if ok {
		f.Range = &r
	}
	if f.Statuses, err = parseStatuses(a.Get("status")); err != nil {
		return nil, err
	}

	jobs := h.d.Jobs.List(f)
	if len(jobs) == 0 {
		return nil, command.Errorf(command.KindNotFound, "no jobs found")
	}
	if a.GetBool("count") {
		return ad.Of("count", len(jobs)), nil
	}
	list := make([]any, len(jobs))
	for i, j := range jobs {
		list[i] = j.Ad()
	}
	return ad.Of("count", len(jobs), "jobs", list), nil
}

// Remove removes a range of jobs.
//
// Response:
//   - all removed:   {"removed": "<range>"}
//   - none removed:  error "no jobs were removed"
//   - some removed:  {"message": "the following jobs weren't removed: <range>",
//                     "removed": ..., "reasons": {"<id>": "<why>"}}
func (h *Handlers) Remove(req *command.Request) (ad.Ad, error) {
	r, ok, err := parseRange(req.Ad)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, command.Errorf(command.KindBadRequest, "no job_id range specified")
	}

	reason := "removed by user"
	if extra := req.Ad.Get("reason"); extra != "" {
		reason += " (" + extra + ")"
	}

	rep := h.d.Scheduler.RemoveRange(r, req.Owner(), reason)
	if rep.Aggregate() != scheduler.NoneRemoved {
		h.d.ForceDump()
	}

	switch rep.Aggregate() {
	case scheduler.AllRemoved:
		return ad.Of("removed", rep.Removed.String()), nil
	case scheduler.NoneRemoved:
		return nil, command.Errorf(command.KindNotFound, "no jobs were removed")
	}

	reasons := ad.New()
	for id, outcome := range rep.Outcomes {
		if outcome != jobmanager.Removed {
			reasons[id.String()] = outcome.String()
		}
	}
	if !rep.Unknown.IsEmpty() {
		reasons[rep.Unknown.String()] = jobmanager.RemoveNotFound.String()
	}
	return ad.Of(
		"message", "the following jobs weren't removed: "+rep.Kept.String(),
		"removed", rep.Removed.String(),
		"reasons", reasons,
	), nil
}

// Resume re-queues paused jobs in a range. A "cred" token replaces the
// credential of every resumed job.
func (h *Handlers) Resume(req *command.Request) (ad.Ad, error) {
	r, ok, err := parseRange(req.Ad)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, command.Errorf(command.KindBadRequest, "no job_id range specified")
	}

	token := req.Ad.Get("cred")
	if _, err := h.credContext(context.Background(), req); err != nil {
		return nil, err
	}

	var resumed ranges.Range
	reasons := ad.New()
	known, unknown := h.d.Scheduler.Known(r)
	known.Each(func(raw int64) bool {
		id := types.JobID(raw)
		if err := h.d.Scheduler.ResumeWithCred(id, req.Owner(), token); err != nil {
			if errors.Is(err, scheduler.ErrNotOwner) {
				err = jobmanager.ErrJobNotFound
			}
			reasons[id.String()] = err.Error()
			return true
		}
		resumed.Add(raw)
		return true
	})
	if !unknown.IsEmpty() {
		reasons[unknown.String()] = jobmanager.ErrJobNotFound.Error()
	}
	if resumed.IsEmpty() {
		return nil, command.Errorf(command.KindNotFound, "no jobs were resumed")
	}
	out := ad.Of("resumed", resumed.String())
	if len(reasons) > 0 {
		out["reasons"] = reasons
	}
	return out, nil
}
