package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"attest/internal/ledger"
	"attest/internal/ledger/exporter"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/httputil"
	"attest/pkg/requestcontext"
)

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "malformed JSON body")
	}
	return nil
}

type appendEventRequest struct {
	EventType    string         `json:"event_type"`
	ChainID      string         `json:"chain_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceName string         `json:"resource_name,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Reason       string         `json:"reason,omitempty"`

	// Access decisions are computed by the caller and audited here.
	Permission *struct {
		Granted bool   `json:"granted"`
		Policy  string `json:"policy"`
	} `json:"permission,omitempty"`
}

func (h *Handler) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	ctx := r.Context()
	if req.Permission != nil {
		ctx = requestcontext.WithPermission(ctx, requestcontext.PermissionDecision{
			Granted: req.Permission.Granted,
			Policy:  req.Permission.Policy,
		})
	}

	ev, err := h.ledger.Append(ctx, ledger.Draft{
		Type:         ledger.EventType(req.EventType),
		ChainID:      id.ChainID(req.ChainID),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		ResourceName: req.ResourceName,
		Details:      req.Details,
		Reason:       req.Reason,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, ev)
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	events, err := h.ledger.List(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromSeq, err := queryInt64(q.Get("from_seq"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	toSeq, err := queryInt64(q.Get("to_seq"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	// strict=true turns a broken chain into a non-2xx response, so
	// monitoring can alert on the status code alone.
	verify := h.ledger.VerifyChain
	if q.Get("strict") == "true" {
		verify = h.ledger.AssertChain
	}
	result, err := verify(r.Context(), id.ChainID(q.Get("chain_id")), fromSeq, toSeq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type exportRequest struct {
	Format     string   `json:"format"`
	ChainID    string   `json:"chain_id"`
	From       string   `json:"from,omitempty"`
	To         string   `json:"to,omitempty"`
	Types      []string `json:"types,omitempty"`
	ActorID    string   `json:"actor_id,omitempty"`
	ResourceID string   `json:"resource_id,omitempty"`
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	f := ledger.Filter{
		ChainID:    id.ChainID(req.ChainID),
		ResourceID: req.ResourceID,
	}
	for _, t := range req.Types {
		f.Types = append(f.Types, ledger.EventType(t))
	}
	var err error
	if f.From, err = queryTime(req.From); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if f.To, err = queryTime(req.To); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.ActorID != "" {
		if f.ActorID, err = id.ParseActorID(req.ActorID); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid actor_id"))
			return
		}
	}

	data, verification, err := h.exporter.Export(r.Context(), f, exporter.Format(req.Format))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	contentType := "application/json"
	if exporter.Format(req.Format) == exporter.FormatCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "audit-"+req.ChainID+"."+req.Format))
	w.Header().Set("X-Chain-Valid", strconv.FormatBool(verification.IsValid))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func filterFromQuery(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		ChainID:    id.ChainID(q.Get("chain_id")),
		ResourceID: q.Get("resource_id"),
	}
	for _, t := range q["type"] {
		f.Types = append(f.Types, ledger.EventType(t))
	}

	var err error
	if f.From, err = queryTime(q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = queryTime(q.Get("to")); err != nil {
		return f, err
	}
	if actor := q.Get("actor_id"); actor != "" {
		if f.ActorID, err = id.ParseActorID(actor); err != nil {
			return f, dErrors.New(dErrors.CodeInvalidInput, "invalid actor_id")
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, dErrors.New(dErrors.CodeInvalidInput, "invalid limit")
		}
		f.Limit = n
	}
	return f, nil
}

func queryTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, dErrors.Newf(dErrors.CodeInvalidInput, "invalid timestamp %q, want RFC 3339", s)
	}
	return t, nil
}

func queryInt64(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, dErrors.Newf(dErrors.CodeInvalidInput, "invalid sequence %q", s)
	}
	return n, nil
}
