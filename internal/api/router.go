package api

import "strings"

// HandlerFunc produces the response for a matched request. A returned error
// is answered with a generic 500 at the connection boundary.
type HandlerFunc func(req *Request) (*Response, error)

// route is one entry in the dispatch table.
type route struct {
	method  string
	pattern string
	handler HandlerFunc
}

// Router is an ordered dispatch table. Routes are matched in registration
// order and the first match wins; there is no specificity ranking.
type Router struct {
	routes []route
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers a route. Pattern segments starting with ':' bind the
// corresponding path segment into the request's params under that name.
func (r *Router) Handle(method, pattern string, h HandlerFunc) {
	r.routes = append(r.routes, route{method: method, pattern: pattern, handler: h})
}

// Match finds the first registered route matching the method and path.
// No match across all routes of the method reports found == false; a method
// with no routes at all is treated identically.
func (r *Router) Match(method, path string) (HandlerFunc, map[string]string, bool) {
	for _, rt := range r.routes {
		if rt.method != method {
			continue
		}
		if params, ok := matchPattern(rt.pattern, path); ok {
			return rt.handler, params, true
		}
	}
	return nil, nil, false
}

// matchPattern matches a path against a pattern segment by segment after
// trimming one trailing slash from each. Literal segments must match exactly;
// ':name' segments capture the raw path segment.
func matchPattern(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(strings.TrimSuffix(pattern, "/"), "/")
	pathParts := strings.Split(strings.TrimSuffix(path, "/"), "/")

	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	params := make(map[string]string)
	for i, pp := range patternParts {
		if strings.HasPrefix(pp, ":") {
			params[pp[1:]] = pathParts[i]
			continue
		}
		if pp != pathParts[i] {
			return nil, false
		}
	}
	return params, true
}
