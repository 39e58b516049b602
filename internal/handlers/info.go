package handlers

import (
	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
	"github.com/ChuLiYu/stork-queue/pkg/types"
)

// Info describes modules ("type=module", the default) or the server
// ("type=server").
func (h *Handlers) Info(req *command.Request) (ad.Ad, error) {
	switch typ := req.Ad.Get("type", "module"); typ {
	case "module":
		return h.moduleInfo(req.Ad.Get("module"))
	case "server":
		return h.serverInfo(), nil
	default:
		return nil, command.Errorf(command.KindBadRequest, "invalid type: %s", typ)
	}
}

func (h *Handlers) moduleInfo(handle string) (ad.Ad, error) {
	if handle != "" {
		m, err := h.d.Modules.Lookup(handle)
		if err != nil {
			return nil, command.Wrap(command.KindNotFound, err)
		}
		return m.Describe(), nil
	}
	mods := h.d.Modules.List()
	list := make([]any, len(mods))
	for i, m := range mods {
		list[i] = m.Describe()
	}
	return ad.Of("modules", list), nil
}

func (h *Handlers) serverInfo() ad.Ad {
	out := h.d.Config.Ad()

	jobs := ad.New()
	for status, n := range h.d.Jobs.Stats() {
		jobs[string(status)] = n
	}
	for _, s := range types.AllStatuses {
		if !jobs.Has(string(s)) {
			jobs[string(s)] = 0
		}
	}
	out["jobs"] = jobs
	out["job_queue_length"] = h.d.Scheduler.QueueLen()
	out["jobs_running"] = h.d.Scheduler.Running()
	out["users"] = h.d.Users.Len()
	out["listings_in_flight"] = h.d.Listings.Len()
	if h.d.Creds != nil {
		out["credentials"] = h.d.Creds.Len()
	}
	if h.d.Pending != nil {
		out["pending_requests"] = h.d.Pending()
	}
	return out
}
