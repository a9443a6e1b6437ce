package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"attest/internal/ceremony"
	"attest/internal/signature"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/httputil"
)

type ceremonySignerRequest struct {
	SignerID      string `json:"signer_id"`
	Meaning       string `json:"meaning"`
	RequireReview bool   `json:"require_review,omitempty"`
}

type createCeremonyRequest struct {
	ResourceID      string                  `json:"resource_id"`
	ChainID         string                  `json:"chain_id"`
	CompletionRule  string                  `json:"completion_rule"`
	RuleCount       int                     `json:"rule_count,omitempty"`
	RulePercent     int                     `json:"rule_percent,omitempty"`
	SigningOrder    string                  `json:"signing_order"`
	AllowDelegation bool                    `json:"allow_delegation,omitempty"`
	TimeoutSeconds  int64                   `json:"timeout_seconds,omitempty"`
	TimeoutPolicy   string                  `json:"timeout_policy"`
	Signers         []ceremonySignerRequest `json:"signers"`
}

func (h *Handler) handleCreateCeremony(w http.ResponseWriter, r *http.Request) {
	var req createCeremonyRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	p := ceremony.CreateParams{
		ResourceID:      req.ResourceID,
		ChainID:         id.ChainID(req.ChainID),
		Rule:            ceremony.CompletionRule(req.CompletionRule),
		RuleCount:       req.RuleCount,
		RulePercent:     req.RulePercent,
		Order:           ceremony.Order(req.SigningOrder),
		AllowDelegation: req.AllowDelegation,
		Timeout:         time.Duration(req.TimeoutSeconds) * time.Second,
		TimeoutPolicy:   ceremony.TimeoutPolicy(req.TimeoutPolicy),
	}
	for _, s := range req.Signers {
		signerID, err := id.ParseActorID(s.SignerID)
		if err != nil {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeInvalidInput, "invalid signer_id %q", s.SignerID))
			return
		}
		p.Signers = append(p.Signers, ceremony.SignerSpec{
			SignerID:      signerID,
			Meaning:       signature.Meaning(s.Meaning),
			RequireReview: s.RequireReview,
		})
	}

	c, err := h.ceremonies.Create(r.Context(), p)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleGetCeremony(w http.ResponseWriter, r *http.Request) {
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	c, err := h.ceremonies.Get(r.Context(), ceremonyID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) handleSignRequest(w http.ResponseWriter, r *http.Request) {
	ceremonyID, requestID, err := requestParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.ceremonies.InitiateSign(r.Context(), ceremonyID, requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, res)
}

type completeRequestRequest struct {
	ChallengeID string `json:"challenge_id"`
	Credential  string `json:"credential"`
	Reason      string `json:"reason,omitempty"`
}

func (h *Handler) handleCompleteRequest(w http.ResponseWriter, r *http.Request) {
	ceremonyID, requestID, err := requestParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req completeRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	challengeID, err := id.ParseChallengeID(req.ChallengeID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid challenge_id"))
		return
	}

	c, err := h.ceremonies.CompleteSign(r.Context(), ceremonyID, requestID, challengeID, req.Credential, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

type declineRequestRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleDeclineRequest(w http.ResponseWriter, r *http.Request) {
	ceremonyID, requestID, err := requestParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req declineRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	c, err := h.ceremonies.Decline(r.Context(), ceremonyID, requestID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

type delegateRequestRequest struct {
	SignerID string `json:"signer_id"`
}

func (h *Handler) handleDelegateRequest(w http.ResponseWriter, r *http.Request) {
	ceremonyID, requestID, err := requestParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req delegateRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	newSigner, err := id.ParseActorID(req.SignerID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "invalid signer_id"))
		return
	}

	c, err := h.ceremonies.Delegate(r.Context(), ceremonyID, requestID, newSigner)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func (h *Handler) handleReviewRequest(w http.ResponseWriter, r *http.Request) {
	ceremonyID, requestID, err := requestParams(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	c, err := h.ceremonies.ApproveReview(r.Context(), ceremonyID, requestID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

type cancelCeremonyRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancelCeremony(w http.ResponseWriter, r *http.Request) {
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req cancelCeremonyRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	c, err := h.ceremonies.Cancel(r.Context(), ceremonyID, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c)
}

func ceremonyIDParam(r *http.Request) (id.CeremonyID, error) {
	ceremonyID, err := id.ParseCeremonyID(chi.URLParam(r, "ceremonyID"))
	if err != nil {
		return id.CeremonyID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid ceremony id")
	}
	return ceremonyID, nil
}

func requestParams(r *http.Request) (id.CeremonyID, id.SigningRequestID, error) {
	ceremonyID, err := ceremonyIDParam(r)
	if err != nil {
		return id.CeremonyID{}, id.SigningRequestID{}, err
	}
	requestID, err := id.ParseSigningRequestID(chi.URLParam(r, "requestID"))
	if err != nil {
		return id.CeremonyID{}, id.SigningRequestID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid signing request id")
	}
	return ceremonyID, requestID, nil
}
