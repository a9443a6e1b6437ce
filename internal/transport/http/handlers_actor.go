package httptransport

import (
	"net/http"
	"time"

	"attest/internal/directory"
	"attest/internal/timestamp"
	id "attest/pkg/domain"
	dErrors "attest/pkg/domain-errors"
	"attest/pkg/platform/httputil"
)

type registerActorRequest struct {
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Roles  []string `json:"roles,omitempty"`
	Secret string   `json:"secret,omitempty"`
}

type registerActorResponse struct {
	Actor *directory.Signer `json:"actor"`
	// Secret is the plaintext credential, shown exactly once.
	Secret string `json:"secret"`
}

func (h *Handler) handleRegisterActor(w http.ResponseWriter, r *http.Request) {
	var req registerActorRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	actor, secret, err := h.directory.Register(r.Context(), directory.RegisterParams{
		Name:   req.Name,
		Email:  req.Email,
		Roles:  req.Roles,
		Secret: req.Secret,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, registerActorResponse{Actor: actor, Secret: secret})
}

const tokenTTL = time.Hour

type tokenRequest struct {
	ActorID string `json:"actor_id"`
	Secret  string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// handleToken exchanges an actor credential for a bearer token. The token
// only establishes identity; signing still re-authenticates per attempt.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	actor, err := id.ParseActorID(req.ActorID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeAuthFailed, "invalid credential"))
		return
	}
	if err := h.directory.VerifyCredential(r.Context(), actor, req.Secret); err != nil {
		httputil.WriteError(w, err)
		return
	}

	token, err := h.tokens.GenerateAccessToken(actor, tokenTTL)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "mint token"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokenTTL.Seconds()),
	})
}

type healthResponse struct {
	Status string               `json:"status"`
	Clock  timestamp.SyncStatus `json:"clock"`
}

// handleHealth reports liveness plus the most relevant dependency for a
// compliance core: whether trusted time is available.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.clock != nil {
		resp.Clock = h.clock.CheckClockSync(r.Context())
		if !resp.Clock.Synced {
			resp.Status = "degraded"
			httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	} else {
		resp.Clock = timestamp.SyncStatus{
			Synced:    true,
			Authority: "system-clock",
			CheckedAt: time.Now().UTC(),
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
