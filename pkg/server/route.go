package server

import (
	"strings"

	"github.com/emweb-io/emweb/pkg/config"
	"github.com/emweb-io/emweb/pkg/errors"
)

// Route is one compiled routing rule. Routes are scanned in configuration
// order; the first match wins.
type Route struct {
	Match           string
	Exact           bool // Pattern ended in "/": exact match required
	Methods         map[string]bool
	Handler         string
	Role            string
	Redirect        string
	Trim            string
	Xsrf            bool
	Validate        bool
	Stream          bool
	Compressed      bool
	CacheMaxAge     int
	CacheDirectives string
	Extensions      map[string]bool
}

// buildRoutes compiles the configured route table. An empty table gets the
// default file route so a bare config still serves documents.
func buildRoutes(rows []config.Route) ([]*Route, error) {
	if len(rows) == 0 {
		rows = []config.Route{{Match: "/", Handler: "file"}}
	}
	routes := make([]*Route, 0, len(rows))
	for _, row := range rows {
		if row.Match == "" {
			return nil, errors.NewBadArgs("route without match pattern")
		}
		route := &Route{
			Match:           strings.TrimSuffix(row.Match, "/"),
			Exact:           strings.HasSuffix(row.Match, "/") && row.Match != "/",
			Handler:         row.Handler,
			Role:            row.Role,
			Redirect:        row.Redirect,
			Trim:            row.Trim,
			Xsrf:            row.Xsrf,
			Validate:        row.Validate,
			Stream:          row.Stream,
			Compressed:      row.Compressed,
			CacheMaxAge:     row.CacheMaxAge,
			CacheDirectives: row.CacheDirectives,
		}
		if row.Match == "/" {
			route.Match = "/"
		}
		if route.Handler == "" {
			route.Handler = "file"
		}
		if len(row.Methods) > 0 {
			route.Methods = make(map[string]bool, len(row.Methods))
			for _, m := range row.Methods {
				route.Methods[strings.ToUpper(m)] = true
			}
		}
		if len(row.Extensions) > 0 {
			route.Extensions = make(map[string]bool, len(row.Extensions))
			for _, ext := range row.Extensions {
				route.Extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
			}
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// Allows reports whether the route's method set admits the method. An
// empty set accepts all methods.
func (rt *Route) Allows(method string) bool {
	return len(rt.Methods) == 0 || rt.Methods[method]
}

// matches tests the pattern against a normalized path.
func (rt *Route) matches(path string) bool {
	if rt.Exact {
		return path == rt.Match
	}
	if rt.Match == "/" {
		return true
	}
	if !strings.HasPrefix(path, rt.Match) {
		return false
	}
	// Prefix matches on segment boundaries: /api matches /api and /api/x,
	// not /apix.
	return len(path) == len(rt.Match) || path[len(rt.Match)] == '/'
}

// selectRoute finds the first route matching the request, distinguishing a
// missing route from a method mismatch.
func (h *Host) selectRoute(r *Request) (*Route, int) {
	sawPath := false
	for _, rt := range h.routes {
		if !rt.matches(r.Path) {
			continue
		}
		sawPath = true
		if !rt.Allows(r.Method) {
			continue
		}
		return rt, 0
	}
	if sawPath {
		return nil, 405
	}
	return nil, 404
}
