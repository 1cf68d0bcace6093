package api

import (
	"encoding/json"
	"fmt"
	"io"
)

// Response statuses used by the engine.
const (
	statusOK          = 200
	statusBadRequest  = 400
	statusNotFound    = 404
	statusServerError = 500
)

var statusText = map[int]string{
	statusOK:          "OK",
	statusBadRequest:  "Bad Request",
	statusNotFound:    "Not Found",
	statusServerError: "Internal Server Error",
}

// Response is the single reply written for a connection's exchange.
type Response struct {
	Status int
	Body   []byte
}

// emptyResponse returns a response with the given status and no body.
func emptyResponse(status int) *Response {
	return &Response{Status: status}
}

// jsonResponse marshals v as the response payload.
func jsonResponse(v interface{}) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return &Response{Status: statusOK, Body: body}, nil
}

// write serializes the response onto the wire. Responses with a body carry
// Content-Type and Content-Length headers; empty responses are just the
// status line.
func (r *Response) write(w io.Writer) error {
	text, ok := statusText[r.Status]
	if !ok {
		text = "Internal Server Error"
		r.Status = statusServerError
	}

	if len(r.Body) == 0 {
		_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", r.Status, text)
		return err
	}

	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: application/json\r\nContent-Length: %d\r\n\r\n", r.Status, text, len(r.Body)); err != nil {
		return err
	}
	_, err := w.Write(r.Body)
	return err
}
