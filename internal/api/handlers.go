package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/mailsink/mailsink/internal/store"
)

// Listing defaults when the query omits them.
const (
	defaultLimit  = 10
	defaultOffset = 0
)

// handlers translate store results into wire responses.
type handlers struct {
	store       *store.Store
	hostname    string
	skipCorrupt bool
	started     time.Time
}

func newHandlers(st *store.Store, hostname string, skipCorrupt bool) *handlers {
	return &handlers{
		store:       st,
		hostname:    hostname,
		skipCorrupt: skipCorrupt,
		started:     time.Now(),
	}
}

// getMail serves GET /mails/:mail_id.
func (h *handlers) getMail(req *Request) (*Response, error) {
	m, err := h.store.Get(req.Params["mail_id"])
	if errors.Is(err, store.ErrNotFound) {
		return emptyResponse(statusNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResponse(m)
}

// deleteMail serves DELETE /mails/:mail_id. Deleting an id with no record
// answers not-found; this is an explicit policy, not an engine accident.
func (h *handlers) deleteMail(req *Request) (*Response, error) {
	err := h.store.Delete(req.Params["mail_id"])
	if errors.Is(err, store.ErrNotFound) {
		return emptyResponse(statusNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	return emptyResponse(statusOK), nil
}

// listMails serves GET /mails with skip/take pagination over the store's
// key-ordered iteration.
func (h *handlers) listMails(req *Request) (*Response, error) {
	limit, ok := intParam(req, "limit", defaultLimit)
	if !ok {
		return emptyResponse(statusBadRequest), nil
	}
	offset, ok := intParam(req, "offset", defaultOffset)
	if !ok {
		return emptyResponse(statusBadRequest), nil
	}

	mails, err := h.store.List(limit, offset, h.skipCorrupt)
	if err != nil {
		return nil, err
	}
	return jsonResponse(mails)
}

// purgeMails serves DELETE /mails, removing every stored record.
func (h *handlers) purgeMails(_ *Request) (*Response, error) {
	removed, err := h.store.Purge()
	if err != nil {
		return nil, err
	}
	return jsonResponse(map[string]int{"deleted": removed})
}

// info serves POST /info with basic service facts.
func (h *handlers) info(_ *Request) (*Response, error) {
	count, err := h.store.Count()
	if err != nil {
		return nil, err
	}
	return jsonResponse(map[string]interface{}{
		"mail_count":     count,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"hostname":       h.hostname,
	})
}

// intParam reads a non-negative integer query parameter, falling back to
// def when absent. Unparsable or negative values report ok == false.
func intParam(req *Request, name string, def int) (int, bool) {
	raw, present := req.Query[name]
	if !present {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
