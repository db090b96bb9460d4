package server

import (
	"strings"
)

// stateChanging reports whether the verb requires XSRF protection.
func stateChanging(r *Request) bool {
	return r.Post || r.Put || r.Delete || r.Patch
}

// dispatch runs the policy chain — redirects, routing, authentication,
// XSRF, signature validation — and hands the request to its handler.
func (h *Host) dispatch(r *Request) {
	// Host-level redirect table first.
	for _, redirect := range h.Config.Redirects {
		if redirect.From == r.Path {
			r.Redirect(redirect.Status, redirect.To)
			return
		}
	}

	route, failStatus := h.selectRoute(r)
	if route == nil {
		r.Error(failStatus, "")
		return
	}
	r.route = route

	if route.Redirect != "" {
		r.Redirect(301, route.Redirect)
		return
	}

	if route.Trim != "" && strings.HasPrefix(r.Path, route.Trim) {
		trimmed := strings.TrimPrefix(r.Path, route.Trim)
		if !strings.HasPrefix(trimmed, "/") {
			trimmed = "/" + trimmed
		}
		r.Path = trimmed
	}

	if route.Role != "" && !h.authenticate(r, route.Role) {
		return // authenticate answered 401/403
	}

	if err := r.prepareBody(); err != nil {
		r.Error(statusFor(err), err.Error())
		return
	}

	if route.Xsrf && stateChanging(r) && !h.checkSecurityToken(r) {
		r.Error(400, "invalid security token")
		return
	}

	if route.Validate {
		if !h.validateQuery(r) {
			return
		}
		if !h.validateBody(r) {
			return
		}
	}

	handler, ok := h.handlers[route.Handler]
	if !ok {
		log.Errorf("route %s names unknown handler %q", route.Match, route.Handler)
		r.Error(500, "")
		return
	}
	handler(h, r)
}

// actionHandler dispatches to the longest-prefix registered action.
func actionHandler(h *Host, r *Request) {
	action := h.findAction(r.Path)
	if action == nil {
		r.Error(404, "")
		return
	}
	action(r)
}
