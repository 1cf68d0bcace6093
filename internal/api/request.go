package api

import (
	"fmt"
	"net/url"
	"strings"
)

// methods the engine recognizes. Anything else closes the connection
// before a single response byte is written.
var allowedMethods = map[string]bool{
	"GET":    true,
	"POST":   true,
	"PUT":    true,
	"DELETE": true,
}

// Request is the parsed form of one request line. It lives for exactly one
// connection's single exchange.
type Request struct {
	Method string
	Path   string

	// Query holds the percent-decoded query parameters, last value wins
	// on duplicate keys.
	Query map[string]string

	// Params holds path parameters bound by the router.
	Params map[string]string
}

// errUnknownMethod marks a request whose method token is not in the allowed
// set. The caller closes the connection without writing anything.
var errUnknownMethod = fmt.Errorf("unrecognized method")

// errMalformed marks a request line that cannot be parsed. The caller
// answers with a bad-request status.
var errMalformed = fmt.Errorf("malformed request line")

// parseRequestLine parses a raw request line into a Request. The protocol
// version token, and everything after it, is ignored.
func parseRequestLine(line string) (*Request, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil, errMalformed
	}

	method := strings.ToUpper(fields[0])
	if !allowedMethods[method] {
		return nil, errUnknownMethod
	}

	path := fields[1]
	rawQuery := ""
	if i := strings.Index(path, "?"); i >= 0 {
		path, rawQuery = path[:i], path[i+1:]
	}

	query, err := parseQuery(rawQuery)
	if err != nil {
		return nil, errMalformed
	}

	return &Request{
		Method: method,
		Path:   path,
		Query:  query,
	}, nil
}

// parseQuery percent-decodes a query string into a flat map,
// keeping the last value for duplicate keys.
func parseQuery(rawQuery string) (map[string]string, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	query := make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) > 0 {
			query[k] = vs[len(vs)-1]
		}
	}
	return query, nil
}
