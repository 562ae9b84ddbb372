package lockd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Server exposes the lock service over HTTP. Routing is plain path parsing on
// the stdlib mux; the surface is five endpoints and does not warrant a router
// dependency.
type Server struct {
	svc *Service
	mux *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

// ConfirmHeader must carry the project key on a break request. Forcing the
// caller to echo the project back makes an accidental break from a generic
// client much harder.
const ConfirmHeader = "X-Mixlock-Confirm"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewServer(svc *Service) *Server {
	s := &Server{svc: svc, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.HandleFunc("/v1/locks/", s.handleLocks)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	// Expected:
	// /v1/locks/{project}
	// /v1/locks/{project}/acquire
	// /v1/locks/{project}/heartbeat
	// /v1/locks/{project}/release
	// /v1/locks/{project}/break
	path := strings.TrimPrefix(r.URL.Path, "/v1/locks/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "project required")
		return
	}

	parts := strings.Split(path, "/")
	project := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeErr(w, http.StatusNotFound, "invalid path")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if action != "" {
			writeErr(w, http.StatusNotFound, "invalid path")
			return
		}
		s.handleGet(w, r, project)

	case http.MethodPost:
		switch action {
		case "acquire":
			s.handleAcquire(w, r, project)
		case "heartbeat":
			s.handleHeartbeat(w, r, project)
		case "release":
			s.handleRelease(w, r, project)
		case "break":
			s.handleBreak(w, r, project)
		default:
			writeErr(w, http.StatusNotFound, "unknown action")
		}

	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Wire types ---

type lockWire struct {
	Project     string `json:"project"`
	LockID      string `json:"lock_id"`
	Owner       string `json:"owner"`
	MachineID   string `json:"machine_id"`
	AcquiredMS  int64  `json:"acquired_at_ms"`
	ExpiresMS   int64  `json:"expires_at_ms"`
	HeartbeatMS int64  `json:"last_heartbeat_ms"`
}

func toWire(r *Record) *lockWire {
	if r == nil {
		return nil
	}
	return &lockWire{
		Project:     r.Project,
		LockID:      r.LockID,
		Owner:       r.Owner,
		MachineID:   r.MachineID,
		AcquiredMS:  r.AcquiredAtNS / int64(time.Millisecond),
		ExpiresMS:   r.ExpiresAtNS / int64(time.Millisecond),
		HeartbeatMS: r.HeartbeatNS / int64(time.Millisecond),
	}
}

type acquireReq struct {
	LockID    string `json:"lock_id"`
	Owner     string `json:"owner"`
	MachineID string `json:"machine_id"`
	TTLMS     int64  `json:"ttl_ms"`
}

type acquireResp struct {
	Acquired         bool      `json:"acquired"`
	Lock             *lockWire `json:"lock,omitempty"`
	Current          *lockWire `json:"current,omitempty"`
	RecommendedRetry int64     `json:"recommended_retry_ms,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, project string) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Owner == "" || req.LockID == "" {
		writeErr(w, http.StatusBadRequest, "owner and lock_id required")
		return
	}
	if req.TTLMS < 0 {
		writeErr(w, http.StatusBadRequest, "ttl_ms must be >= 0")
		return
	}

	res, err := s.svc.Acquire(r.Context(), AcquireRequest{
		Project:   project,
		LockID:    req.LockID,
		Owner:     req.Owner,
		MachineID: req.MachineID,
		TTL:       time.Duration(req.TTLMS) * time.Millisecond,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Busy {
		writeJSON(w, http.StatusServiceUnavailable, acquireResp{
			Reason:           ReasonBusyRetry,
			RecommendedRetry: res.RetryAfter.Milliseconds(),
		})
		return
	}
	if res.Acquired {
		writeJSON(w, http.StatusOK, acquireResp{Acquired: true, Lock: toWire(res.Record)})
		return
	}
	writeJSON(w, http.StatusConflict, acquireResp{
		Acquired:         false,
		Current:          toWire(res.Current),
		RecommendedRetry: res.RetryAfter.Milliseconds(),
		Reason:           "HELD",
	})
}

type heartbeatReq struct {
	LockID     string `json:"lock_id"`
	ExtendByMS int64  `json:"extend_by_ms"`
}

type heartbeatResp struct {
	Renewed bool      `json:"renewed"`
	Lock    *lockWire `json:"lock,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, project string) {
	var req heartbeatReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LockID == "" || req.ExtendByMS <= 0 {
		writeErr(w, http.StatusBadRequest, "lock_id and extend_by_ms required")
		return
	}

	res, err := s.svc.Heartbeat(r.Context(), HeartbeatRequest{
		Project:  project,
		LockID:   req.LockID,
		ExtendBy: time.Duration(req.ExtendByMS) * time.Millisecond,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	if res.Reason == ReasonBusyRetry {
		writeJSON(w, http.StatusServiceUnavailable, heartbeatResp{Reason: ReasonBusyRetry})
		return
	}
	if res.Renewed {
		writeJSON(w, http.StatusOK, heartbeatResp{Renewed: true, Lock: toWire(res.Record)})
		return
	}
	writeJSON(w, http.StatusConflict, heartbeatResp{Renewed: false, Reason: res.Reason})
}

type releaseReq struct {
	LockID string `json:"lock_id"`
}

type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, project string) {
	var req releaseReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.LockID == "" {
		writeErr(w, http.StatusBadRequest, "lock_id required")
		return
	}

	res, err := s.svc.Release(r.Context(), project, req.LockID, time.Time{})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Reason == ReasonBusyRetry {
		writeJSON(w, http.StatusServiceUnavailable, releaseResp{Reason: ReasonBusyRetry})
		return
	}
	writeJSON(w, http.StatusOK, releaseResp{Released: res.Released, Reason: res.Reason})
}

type breakResp struct {
	Removed bool   `json:"removed"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) handleBreak(w http.ResponseWriter, r *http.Request, project string) {
	if r.Header.Get(ConfirmHeader) != project {
		writeErr(w, http.StatusPreconditionFailed, "break requires "+ConfirmHeader+" header matching the project")
		return
	}

	removed, err := s.svc.Break(r.Context(), project)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, breakResp{Removed: false, Reason: ReasonNoLock})
		return
	}
	writeJSON(w, http.StatusOK, breakResp{Removed: true})
}

type getResp struct {
	Project string    `json:"project"`
	Lock    *lockWire `json:"lock,omitempty"`
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, project string) {
	rec, err := s.svc.Get(r.Context(), project)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, getResp{Project: project, Lock: toWire(rec)})
}

// --- helpers ---

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
