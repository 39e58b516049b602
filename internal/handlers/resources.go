package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/stork-queue/internal/cell"
	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/internal/module"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

// ListingKey identifies a listing that concurrent callers may share: the
// resource and the session it is listed under.
type ListingKey struct {
	Resource module.Resource
	Session  string
}

// listingKey scopes res to the credential token, or to the owner when the
// request carries none. Tokens are bound to their owner.
func listingKey(req *command.Request, res module.Resource) ListingKey {
	if token := req.Ad.Get("cred"); token != "" {
		return ListingKey{Resource: res, Session: "cred:" + token}
	}
	return ListingKey{Resource: res, Session: "user:" + req.Owner()}
}

// credContext attaches the credential named by the "cred" attribute.
func (h *Handlers) credContext(ctx context.Context, req *command.Request) (context.Context, error) {
	token := req.Ad.Get("cred")
	if token == "" || h.d.Creds == nil {
		return ctx, nil
	}
	c, err := h.d.Creds.Get(token, req.Owner())
	if err != nil {
		return nil, command.Wrap(command.KindAuth, err)
	}
	return cred.WithCredential(ctx, c), nil
}

func (h *Handlers) resource(req *command.Request) (module.Module, module.Resource, string, error) {
	uri := req.Ad.Get("uri")
	if uri == "" {
		return nil, module.Resource{}, "", command.Errorf(command.KindBadRequest, "missing uri")
	}
	m, res, err := h.d.Modules.ForURI(uri)
	if err != nil {
		return nil, res, uri, command.Wrap(command.KindBadRequest, err)
	}
	return m, res, uri, nil
}

// List describes a resource through its module.
//
// Concurrent listings of the same resource under the same credential (or
// owner) share one Stat; the first caller runs it and the rest join. "force_refresh" always runs a fresh
// Stat without disturbing one in flight.
func (h *Handlers) List(req *command.Request) (ad.Ad, error) {
	m, res, uri, err := h.resource(req)
	if err != nil {
		return nil, err
	}
	lister, ok := m.(module.Lister)
	if !ok {
		return nil, command.Errorf(command.KindBadRequest, "module %s cannot list resources", m.Handle())
	}
	ctx, err := h.credContext(context.Background(), req)
	if err != nil {
		return nil, err
	}

	c := h.d.Listings.Do(listingKey(req, res), req.Ad.GetBool("force_refresh"), func(c *cell.Cell[ad.Ad]) {
		go func() {
			ctx, cancel := context.WithTimeout(ctx, h.d.ListTimeout)
			defer cancel()
			listing, err := lister.Stat(ctx, uri)
			if err != nil {
				c.Fail(err)
				return
			}
			c.Resolve(listing)
		}()
	})

	wait, cancel := context.WithTimeout(context.Background(), h.d.ListTimeout)
	defer cancel()
	listing, err := c.Wait(wait)
	if err != nil {
		if errors.Is(err, module.ErrNotSupported) {
			return nil, command.Errorf(command.KindBadRequest, "module %s cannot list %s", m.Handle(), uri)
		}
		return nil, err
	}
	// Joiners share the owner's ad.
	return listing.Clone(), nil
}

// Delete removes a resource and everything under it. The walk is raced
// against "timeout" seconds (default DeleteTimeout); when the timer wins
// the walk is cancelled where it stands.
func (h *Handlers) Delete(req *command.Request) (ad.Ad, error) {
	m, _, uri, err := h.resource(req)
	if err != nil {
		return nil, err
	}
	deleter, ok := m.(module.Deleter)
	if !ok {
		return nil, command.Errorf(command.KindBadRequest, "module %s cannot delete resources", m.Handle())
	}
	ctx, err := h.credContext(context.Background(), req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	op := cell.New[ad.Ad]()
	op.OnFail(func(error) { cancel() })
	go func() {
		if err := deleter.Delete(ctx, uri); err != nil {
			op.Fail(err)
			return
		}
		op.Resolve(ad.Of("deleted", uri))
	}()

	timeout := h.d.DeleteTimeout
	if secs := req.Ad.GetInt("timeout", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	res, err := cell.WithTimeout(op, timeout).Wait(context.Background())
	if errors.Is(err, cell.ErrTimeout) {
		return nil, command.Errorf(command.KindInternal, "delete of %s timed out after %s", uri, timeout)
	}
	return res, err
}
