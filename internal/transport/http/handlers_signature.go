package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"attest/internal/signature"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/httputil"
)

type initiateSignatureRequest struct {
	ResourceID string `json:"resource_id"`
	Meaning    string `json:"meaning"`
	ChainID    string `json:"chain_id"`
}

func (h *Handler) handleInitiateSignature(w http.ResponseWriter, r *http.Request) {
	var req initiateSignatureRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.signatures.Initiate(r.Context(), signature.InitiateParams{
		ResourceID: req.ResourceID,
		Meaning:    signature.Meaning(req.Meaning),
		ChainID:    id.ChainID(req.ChainID),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

type completeSignatureRequest struct {
	ChallengeID string `json:"challenge_id"`
	Credential  string `json:"credential"`
	Reason      string `json:"reason,omitempty"`
}

func (h *Handler) handleCompleteSignature(w http.ResponseWriter, r *http.Request) {
	var req completeSignatureRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	challengeID, err := id.ParseChallengeID(req.ChallengeID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid challenge_id"))
		return
	}

	sig, err := h.signatures.Complete(r.Context(), signature.CompleteParams{
		ChallengeID: challengeID,
		Credential:  req.Credential,
		Reason:      req.Reason,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sig)
}

func (h *Handler) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	sigID, err := id.ParseSignatureID(chi.URLParam(r, "signatureID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid signature id"))
		return
	}

	result, err := h.signatures.Verify(r.Context(), sigID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type invalidateSignatureRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleInvalidateSignature(w http.ResponseWriter, r *http.Request) {
	sigID, err := id.ParseSignatureID(chi.URLParam(r, "signatureID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid signature id"))
		return
	}
	var req invalidateSignatureRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	sig, err := h.signatures.Invalidate(r.Context(), sigID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sig)
}

func (h *Handler) handleListSignatures(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	if resourceID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "resource_id is required"))
		return
	}

	sigs, err := h.signatures.ListByResource(r.Context(), resourceID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"signatures": sigs})
}
