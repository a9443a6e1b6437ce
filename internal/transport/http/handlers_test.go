package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest/internal/ceremony"
	"attest/internal/directory"
	"attest/internal/jwt_token"
	"attest/internal/ledger"
	"attest/internal/ledger/exporter"
	"attest/internal/reauth"
	"attest/internal/signature"
	"attest/internal/timestamp"
)

type testServer struct {
	srv     *httptest.Server
	token   string // bearer token for the seeded signer
	actorID string
	secret  string
}

// newTestServer wires the full router against in-memory stores with one
// registered signer.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := timestamp.SystemSource{}

	led := ledger.NewService(ledger.NewMemoryStore(), clock, logger)
	dir := directory.NewService(directory.NewMemoryStore(), logger)
	challenges := reauth.NewService(reauth.NewMemoryStore(), led, dir, clock, logger)

	content := signature.NewMemoryContentSource()
	content.Put(&signature.Content{
		ResourceType: "document",
		ResourceID:   "doc-42",
		Name:         "SOP-17 Rev C",
		Version:      "v1",
		Body:         map[string]any{"title": "SOP-17"},
	})

	sigs := signature.NewService(signature.NewMemoryStore(), content, challenges, dir, led, clock, logger)
	engine := ceremony.NewEngine(ceremony.NewMemoryStore(), sigs, content, led, clock, logger)
	tokens := jwttoken.NewJWTService("test-signing-key", "attest", "attest-api")

	signer, secret, err := dir.Register(context.Background(), directory.RegisterParams{
		Name:  "Dana Reviewer",
		Email: "dana@example.com",
		Roles: []string{"qa"},
	})
	require.NoError(t, err)

	token, err := tokens.GenerateAccessToken(signer.ID, time.Hour)
	require.NoError(t, err)

	h := NewHandler(led, exporter.New(led), sigs, engine, dir, tokens, nil, logger)
	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)

	return &testServer{
		srv:     srv,
		token:   token,
		actorID: signer.ID.String(),
		secret:  secret,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/healthz", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
		Clock  struct {
			Synced    bool   `json:"synced"`
			Authority string `json:"authority"`
		} `json:"clock"`
	}
	decodeBody(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Clock.Synced)
	assert.Equal(t, "system-clock", health.Clock.Authority)
}

func TestAuthIsRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/audit/events?chain_id=org-1", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/audit/events?chain_id=org-1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestTokenExchange(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/auth/token", map[string]string{
		"actor_id": ts.actorID,
		"secret":   ts.secret,
	}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok tokenResponse
	decodeBody(t, resp, &tok)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)

	t.Run("wrong secret", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/auth/token", map[string]string{
			"actor_id": ts.actorID,
			"secret":   "wrong",
		}, false)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestAuditEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("append and list", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/audit/events", map[string]any{
			"event_type":  "CONTENT_CREATED",
			"chain_id":    "org-1",
			"resource_id": "doc-42",
			"details":     map[string]any{"pages": 12},
		}, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var ev struct {
			Sequence int64  `json:"sequence"`
			PrevHash string `json:"prev_hash"`
		}
		decodeBody(t, resp, &ev)
		assert.Equal(t, int64(1), ev.Sequence)
		assert.Equal(t, ledger.GenesisHash, ev.PrevHash)

		list := ts.do(t, http.MethodGet, "/audit/events?chain_id=org-1&type=CONTENT_CREATED", nil, true)
		require.Equal(t, http.StatusOK, list.StatusCode)
		var body struct {
			Events []json.RawMessage `json:"events"`
		}
		decodeBody(t, list, &body)
		assert.Len(t, body.Events, 1)
	})

	t.Run("mandatory reason enforced over the wire", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/audit/events", map[string]any{
			"event_type": "CONTENT_DELETED",
			"chain_id":   "org-1",
		}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("verify chain", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/audit/verify?chain_id=org-1", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result struct {
			IsValid       bool `json:"is_valid"`
			EventsChecked int  `json:"events_checked"`
		}
		decodeBody(t, resp, &result)
		assert.True(t, result.IsValid)
		assert.Equal(t, 1, result.EventsChecked)
	})

	t.Run("strict verify on a healthy chain", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/audit/verify?chain_id=org-1&strict=true", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result struct {
			IsValid bool `json:"is_valid"`
		}
		decodeBody(t, resp, &result)
		assert.True(t, result.IsValid)
	})

	t.Run("export csv", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/audit/export", map[string]any{
			"format":   "csv",
			"chain_id": "org-1",
		}, true)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
		assert.Equal(t, "true", resp.Header.Get("X-Chain-Valid"))

		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(data), "# chain_id=org-1 valid=true")
	})
}

func TestSignatureFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/signatures/initiate", map[string]string{
		"resource_id": "doc-42",
		"meaning":     "approved",
		"chain_id":    "org-1",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var initiated struct {
		Challenge struct {
			ID string `json:"id"`
		} `json:"challenge"`
		Fingerprint string `json:"content_fingerprint"`
	}
	decodeBody(t, resp, &initiated)
	require.NotEmpty(t, initiated.Challenge.ID)
	assert.Len(t, initiated.Fingerprint, 64)

	t.Run("wrong credential", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/signatures/complete", map[string]string{
			"challenge_id": initiated.Challenge.ID,
			"credential":   "wrong",
		}, true)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	resp = ts.do(t, http.MethodPost, "/signatures/complete", map[string]string{
		"challenge_id": initiated.Challenge.ID,
		"credential":   ts.secret,
		"reason":       "release approval",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sig struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &sig)
	assert.Equal(t, "valid", sig.Status)

	t.Run("verify", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/signatures/"+sig.ID+"/verify", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result struct {
			IsValid bool `json:"is_valid"`
		}
		decodeBody(t, resp, &result)
		assert.True(t, result.IsValid)
	})

	t.Run("list by resource", func(t *testing.T) {
		resp := ts.do(t, http.MethodGet, "/signatures/?resource_id=doc-42", nil, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body struct {
			Signatures []json.RawMessage `json:"signatures"`
		}
		decodeBody(t, resp, &body)
		assert.Len(t, body.Signatures, 1)
	})

	t.Run("invalidate", func(t *testing.T) {
		resp := ts.do(t, http.MethodPost, "/signatures/"+sig.ID+"/invalidate", map[string]string{
			"reason": "content later shown not to match",
		}, true)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var invalidated struct {
			Status string `json:"status"`
		}
		decodeBody(t, resp, &invalidated)
		assert.Equal(t, "invalidated", invalidated.Status)
	})
}

func TestCeremonyFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/ceremonies/", map[string]any{
		"resource_id":     "doc-42",
		"chain_id":        "org-1",
		"completion_rule": "all",
		"signing_order":   "sequential",
		"timeout_policy":  "pending",
		"signers": []map[string]any{
			{"signer_id": ts.actorID, "meaning": "approved"},
		},
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var c struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Requests []struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"requests"`
	}
	decodeBody(t, resp, &c)
	require.Len(t, c.Requests, 1)
	assert.Equal(t, "ready", c.Requests[0].State)

	base := fmt.Sprintf("/ceremonies/%s/requests/%s", c.ID, c.Requests[0].ID)

	resp = ts.do(t, http.MethodPost, base+"/sign", nil, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var initiated struct {
		Challenge struct {
			ID string `json:"id"`
		} `json:"challenge"`
	}
	decodeBody(t, resp, &initiated)

	resp = ts.do(t, http.MethodPost, base+"/complete", map[string]string{
		"challenge_id": initiated.Challenge.ID,
		"credential":   ts.secret,
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var done struct {
		Status   string `json:"status"`
		Requests []struct {
			State       string `json:"state"`
			SignatureID string `json:"signature_id"`
		} `json:"requests"`
	}
	decodeBody(t, resp, &done)
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, "signed", done.Requests[0].State)
	assert.NotEmpty(t, done.Requests[0].SignatureID)
}
