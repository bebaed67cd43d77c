package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/babs0022/shield-privacy-guide/pkg/auth"
	"github.com/babs0022/shield-privacy-guide/pkg/blob"
	"github.com/babs0022/shield-privacy-guide/pkg/httpx"
	"github.com/babs0022/shield-privacy-guide/pkg/models"
	"github.com/babs0022/shield-privacy-guide/pkg/policy"
	"github.com/babs0022/shield-privacy-guide/pkg/share"
	"github.com/babs0022/shield-privacy-guide/pkg/store"
)

const maxEventListLimit = 500

func (s *Server) principal(r *http.Request) (auth.Principal, bool) {
	return auth.PrincipalFromContext(r.Context())
}

type createPolicyRequest struct {
	Recipient   string    `json:"recipient"`
	Expiry      time.Time `json:"expiry"`
	MaxAttempts int       `json:"max_attempts"`
}

type policyResponse struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	Recipient   string    `json:"recipient"`
	Expiry      time.Time `json:"expiry"`
	MaxAttempts int       `json:"max_attempts"`
	Attempts    int       `json:"attempts"`
	Remaining   int       `json:"remaining"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Server) policyResponse(rec models.AccessPolicy) policyResponse {
	remaining := rec.MaxAttempts - rec.Attempts
	if remaining < 0 {
		remaining = 0
	}
	return policyResponse{
		ID:          rec.ID,
		Sender:      rec.Sender,
		Recipient:   rec.Recipient,
		Expiry:      rec.Expiry,
		MaxAttempts: rec.MaxAttempts,
		Attempts:    rec.Attempts,
		Remaining:   remaining,
		Status:      rec.StatusAt(time.Now().UTC()),
		CreatedAt:   rec.CreatedAt,
	}
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(r)
	if !ok || p.Subject == "" {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	var req createPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid JSON body")
		return
	}
	rec, err := s.Engine.Create(r.Context(), p.Subject, req.Recipient, req.Expiry, req.MaxAttempts)
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrInvalidRecipient),
		errors.Is(err, policy.ErrInvalidExpiry),
		errors.Is(err, policy.ErrInvalidAttemptBudget):
		httpx.Error(w, 400, err.Error())
		return
	case errors.Is(err, store.ErrUnavailable):
		httpx.Error(w, 503, "storage unavailable")
		return
	default:
		internalServerError(w, "create policy", err)
		return
	}
	httpx.WriteJSON(w, 201, s.policyResponse(rec))
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !models.ValidID(id) {
		httpx.Error(w, 400, "malformed policy id")
		return
	}
	rec, err := s.Engine.Get(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, 404, "policy not found")
		return
	case errors.Is(err, store.ErrUnavailable):
		httpx.Error(w, 503, "storage unavailable")
		return
	default:
		internalServerError(w, "get policy", err)
		return
	}
	httpx.WriteJSON(w, 200, s.policyResponse(rec))
}

func (s *Server) verifyPolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(r)
	if !ok || p.Subject == "" {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	id := chi.URLParam(r, "id")
	if !models.ValidID(id) {
		httpx.Error(w, 400, "malformed policy id")
		return
	}
	if s.Limiter != nil && s.VerifyRateLimit > 0 {
		key := "verify:" + clientIP(r) + ":" + p.Subject
		if d := s.Limiter.Allow(key, s.VerifyRateLimit); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(d.ResetAt).Seconds())+1))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	started := time.Now()
	decision, err := s.Engine.VerifyAndConsume(r.Context(), id, p.Subject)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			httpx.Error(w, 503, "storage unavailable")
			return
		}
		internalServerError(w, "verify policy", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ObserveVerifyLatency(time.Since(started))
		outcome := decision.Reason
		if decision.Granted {
			outcome = models.OutcomeGranted
		}
		s.Metrics.ObserveOutcome(outcome)
	}
	// Denials are expected outcomes, not HTTP errors.
	httpx.WriteJSON(w, 200, decision)
}

func (s *Server) revokePolicy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(r)
	if !ok || p.Subject == "" {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	id := chi.URLParam(r, "id")
	if !models.ValidID(id) {
		httpx.Error(w, 400, "malformed policy id")
		return
	}
	err := s.Engine.Revoke(r.Context(), id, p.Subject)
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrUnauthorized):
		httpx.Error(w, 403, "only the sender may revoke")
		return
	case errors.Is(err, store.ErrNotFound):
		httpx.Error(w, 404, "policy not found")
		return
	case errors.Is(err, store.ErrUnavailable):
		httpx.Error(w, 503, "storage unavailable")
		return
	default:
		internalServerError(w, "revoke policy", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{
		"id":     id,
		"status": models.StatusRevoked,
	})
}

type createShareRequest struct {
	CiphertextB64 string    `json:"ciphertext_b64"`
	Recipient     string    `json:"recipient"`
	Expiry        time.Time `json:"expiry"`
	MaxAttempts   int       `json:"max_attempts"`
}

type createShareResponse struct {
	PolicyID string    `json:"policy_id"`
	BlobHash string    `json:"blob_hash"`
	Expiry   time.Time `json:"expiry"`
}

// createShare stores sender-encrypted ciphertext and creates the policy
// guarding it in one call. The server never sees key material; the
// caller assembles the link from the returned id and its local key.
func (s *Server) createShare(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(r)
	if !ok || p.Subject == "" {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	var req createShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid JSON body")
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.CiphertextB64)
	if err != nil || len(ciphertext) == 0 {
		httpx.Error(w, 400, "ciphertext_b64 must be non-empty base64")
		return
	}
	rec, err := s.Engine.Create(r.Context(), p.Subject, req.Recipient, req.Expiry, req.MaxAttempts)
	switch {
	case err == nil:
	case errors.Is(err, policy.ErrInvalidRecipient),
		errors.Is(err, policy.ErrInvalidExpiry),
		errors.Is(err, policy.ErrInvalidAttemptBudget):
		httpx.Error(w, 400, err.Error())
		return
	case errors.Is(err, store.ErrUnavailable):
		httpx.Error(w, 503, "storage unavailable")
		return
	default:
		internalServerError(w, "create share", err)
		return
	}
	hash, err := s.Blobs.Put(r.Context(), ciphertext)
	if err == nil {
		err = s.Shares.Bind(r.Context(), share.Binding{PolicyID: rec.ID, BlobHash: hash})
	}
	if err != nil {
		// The policy exists but the ciphertext does not; revoke so the
		// orphaned policy can never grant.
		if rerr := s.Engine.Revoke(r.Context(), rec.ID, p.Subject); rerr != nil {
			internalServerError(w, "revoke orphaned policy", rerr)
			return
		}
		if errors.Is(err, blob.ErrUnavailable) || errors.Is(err, share.ErrUnavailable) {
			httpx.Error(w, 503, "blob storage unavailable")
			return
		}
		internalServerError(w, "store share blob", err)
		return
	}
	httpx.WriteJSON(w, 201, createShareResponse{
		PolicyID: rec.ID,
		BlobHash: hash,
		Expiry:   rec.Expiry,
	})
}

type openShareResponse struct {
	Decision      models.Decision `json:"decision"`
	BlobHash      string          `json:"blob_hash,omitempty"`
	CiphertextB64 string          `json:"ciphertext_b64,omitempty"`
}

// openShare fuses verification with ciphertext delivery. The attempt
// is consumed at authorization; a client that later fails to decrypt
// does not get it back.
func (s *Server) openShare(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(r)
	if !ok || p.Subject == "" {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	id := chi.URLParam(r, "id")
	if !models.ValidID(id) {
		httpx.Error(w, 400, "malformed policy id")
		return
	}
	if s.Limiter != nil && s.VerifyRateLimit > 0 {
		key := "verify:" + clientIP(r) + ":" + p.Subject
		if d := s.Limiter.Allow(key, s.VerifyRateLimit); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(d.ResetAt).Seconds())+1))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
	}
	started := time.Now()
	decision, err := s.Engine.VerifyAndConsume(r.Context(), id, p.Subject)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			httpx.Error(w, 503, "storage unavailable")
			return
		}
		internalServerError(w, "open share", err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.ObserveVerifyLatency(time.Since(started))
		outcome := decision.Reason
		if decision.Granted {
			outcome = models.OutcomeGranted
		}
		s.Metrics.ObserveOutcome(outcome)
	}
	if !decision.Granted {
		httpx.WriteJSON(w, 200, openShareResponse{Decision: decision})
		return
	}
	binding, err := s.Shares.Lookup(r.Context(), id)
	if errors.Is(err, share.ErrNotFound) {
		httpx.Error(w, 404, "no ciphertext bound to this policy")
		return
	}
	if err != nil {
		internalServerError(w, "lookup share", err)
		return
	}
	ciphertext, err := s.Blobs.Get(r.Context(), binding.BlobHash)
	if err != nil {
		internalServerError(w, "fetch share blob", err)
		return
	}
	httpx.WriteJSON(w, 200, openShareResponse{
		Decision:      decision,
		BlobHash:      binding.BlobHash,
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

func (s *Server) putBlob(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.principal(r); !ok {
		httpx.Error(w, 401, "unauthenticated")
		return
	}
	data, err := readAll(r)
	if err != nil {
		httpx.Error(w, 400, "unreadable request body")
		return
	}
	hash, err := s.Blobs.Put(r.Context(), data)
	switch {
	case err == nil:
	case errors.Is(err, blob.ErrEmptyBlob):
		httpx.Error(w, 400, "empty blob")
		return
	case errors.Is(err, blob.ErrUnavailable):
		httpx.Error(w, 503, "blob storage unavailable")
		return
	default:
		internalServerError(w, "put blob", err)
		return
	}
	httpx.WriteJSON(w, 201, map[string]string{"hash": hash})
}

func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	data, err := s.Blobs.Get(r.Context(), hash)
	switch {
	case err == nil:
	case errors.Is(err, blob.ErrBadHash):
		httpx.Error(w, 400, "malformed blob hash")
		return
	case errors.Is(err, blob.ErrNotFound):
		httpx.Error(w, 404, "blob not found")
		return
	case errors.Is(err, blob.ErrUnavailable):
		httpx.Error(w, 503, "blob storage unavailable")
		return
	default:
		internalServerError(w, "get blob", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(200)
	_, _ = w.Write(data)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	policyID := r.URL.Query().Get("policy_id")
	if !models.ValidID(policyID) {
		httpx.Error(w, 400, "policy_id query parameter is required and must be well formed")
		return
	}
	limit := maxEventListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.Error(w, 400, "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}
	items, err := s.EventLog.ListByPolicy(r.Context(), policyID, limit)
	if err != nil {
		internalServerError(w, "list events", err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"policy_id": policyID,
		"items":     items,
	})
}

// streamEvents pushes every ledger event to the websocket client as it
// is published. Slow clients drop events rather than stalling writers.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: websocketOriginPatterns(),
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ch := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context30s(ctx)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func websocketOriginPatterns() []string {
	return splitAndTrim(env("WS_ALLOWED_ORIGINS", ""))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
