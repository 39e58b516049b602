package handlers

import (
	"errors"

	"github.com/ChuLiYu/stork-queue/internal/command"
	"github.com/ChuLiYu/stork-queue/internal/cred"
	"github.com/ChuLiYu/stork-queue/pkg/ad"
)

// User registers ("action=register") or logs in (any other action).
// A registration forces a state dump so the account survives a crash.
func (h *Handlers) User(req *command.Request) (ad.Ad, error) {
	if req.Ad.Get("action") == "register" {
		u, err := h.d.Users.Register(req.Ad)
		if err != nil {
			return nil, err
		}
		h.d.ForceDump()
		return u.Ad(), nil
	}

	u, err := h.d.Users.Authenticate(req.Ad)
	if err != nil {
		return nil, command.Wrap(command.KindAuth, err)
	}
	return u.Ad(), nil
}

// Cred manages the caller's stored credentials.
//
// Actions:
//   - add (default): type, username, secret → {"token": ...}
//   - list
//   - rm: token
func (h *Handlers) Cred(req *command.Request) (ad.Ad, error) {
	if h.d.Creds == nil {
		return nil, command.Errorf(command.KindBadRequest, "credentials are not enabled")
	}
	a := req.Ad
	switch action := a.Get("action", "add"); action {
	case "add":
		if a.Get("secret") == "" && a.Get("username") == "" {
			return nil, command.Errorf(command.KindBadRequest, "credential needs a username or secret")
		}
		c := h.d.Creds.Put(cred.Credential{
			Owner:    req.Owner(),
			Type:     a.Get("type", "userinfo"),
			Username: a.Get("username"),
			Secret:   a.Get("secret"),
		})
		return c.Ad(), nil

	case "list":
		list := h.d.Creds.List(req.Owner())
		out := make([]any, len(list))
		for i, c := range list {
			out[i] = c.Ad()
		}
		return ad.Of("credentials", out), nil

	case "rm":
		token := a.Get("token")
		if _, err := h.d.Creds.Get(token, req.Owner()); err != nil {
			if errors.Is(err, cred.ErrNotOwner) {
				err = cred.ErrUnknownToken
			}
			return nil, command.Wrap(command.KindNotFound, err)
		}
		h.d.Creds.Delete(token)
		return ad.Of("removed", token), nil

	default:
		return nil, command.Errorf(command.KindBadRequest, "invalid action: %s", action)
	}
}
