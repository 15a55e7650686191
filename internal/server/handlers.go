package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mschirtzinger/ledger/internal/gitsync"
	"github.com/mschirtzinger/ledger/internal/history"
	"github.com/mschirtzinger/ledger/internal/ledger"
)

// ErrorResponse is the body of every API error
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// SyncResponse is the body of POST /api/sync
type SyncResponse struct {
	OK       bool              `json:"ok"`
	Outcomes []gitsync.Outcome `json:"outcomes"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, error, description string) {
	writeJSON(w, status, ErrorResponse{
		Error:            error,
		ErrorDescription: description,
	})
}

// handleData returns both raw documents in file order
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]ledger.Record{
		"revenues": nonNilRecords(s.income.store.ReadRaw()),
		"expenses": nonNilRecords(s.expenses.store.ReadRaw()),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ledger.Summarize(s.income.store.ReadRaw(), s.expenses.store.ReadRaw()))
}

func (s *Server) handleList(c *collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, nonNilRecords(c.store.ListSorted()))
	}
}

func (s *Server) handleUpsert(c *collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes))
		if err != nil {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "invalid_request", "Request body too large")
			return
		}

		var payload ledger.Record
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
			return
		}

		c.mu.Lock()
		saved, err := c.store.Upsert(payload)
		c.mu.Unlock()
		switch {
		case errors.Is(err, ledger.ErrInvalidPayload):
			writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		case err != nil:
			s.logger.Printf("Failed to save %s record: %v", c.store.Name(), err)
			writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to save record")
			return
		}

		id, _ := saved.ID()
		s.hub.Publish(MessageTypeRecordUpdate, RecordUpdateData{Collection: c.store.Name(), Action: "saved", ID: id})
		writeJSON(w, http.StatusOK, saved)
	}
}

func (s *Server) handleDelete(c *collection) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "not_found", "Record not found")
			return
		}

		c.mu.Lock()
		err = c.store.Delete(id)
		c.mu.Unlock()
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			writeJSONError(w, http.StatusNotFound, "not_found", "Record not found")
			return
		case err != nil:
			s.logger.Printf("Failed to delete %s record %d: %v", c.store.Name(), id, err)
			writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to delete record")
			return
		}

		s.hub.Publish(MessageTypeRecordUpdate, RecordUpdateData{Collection: c.store.Name(), Action: "deleted", ID: id})
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	}
}

// handleSync runs every configured target, or those named by ?target=label
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.config.Sync == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "sync_disabled", "Synchronization is not configured")
		return
	}

	targets, err := selectTargets(s.config.Targets, r.URL.Query()["target"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	outcomes, err := s.config.Sync.Run(r.Context(), targets, gitsync.WithTrigger(gitsync.TriggerAPI))
	switch {
	case errors.Is(err, gitsync.ErrBusy):
		writeJSONError(w, http.StatusConflict, gitsync.ErrBusy.Error(), "")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	ok := true
	for _, o := range outcomes {
		ok = ok && o.OK()
	}
	writeJSON(w, http.StatusOK, SyncResponse{OK: ok, Outcomes: outcomes})
}

func (s *Server) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	if s.config.History == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "history_disabled", "Sync history is not configured")
		return
	}

	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_parameter", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.config.History.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Printf("Failed to read sync history: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "Failed to read sync history")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// selectTargets keeps configured order; an empty selection means all targets
func selectTargets(all []gitsync.Target, labels []string) ([]gitsync.Target, error) {
	if len(labels) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(labels))
	for _, l := range labels {
		want[l] = true
	}
	var out []gitsync.Target
	for _, t := range all {
		if want[t.Name()] {
			out = append(out, t)
			delete(want, t.Name())
		}
	}
	for l := range want {
		return nil, errors.New("unknown sync target " + strconv.Quote(l))
	}
	return out, nil
}

func nonNilRecords(records []ledger.Record) []ledger.Record {
	if records == nil {
		return []ledger.Record{}
	}
	return records
}
