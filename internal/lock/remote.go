package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mixlock/internal/resilience"
)

// Remote is a Store backed by a mixlockd service. Atomicity of conditional
// transitions lives on the server; this client just speaks the wire format
// and maps responses back onto the Store contract. Server 503s (sqlite
// contention) are marked transient so the resilience layer retries them.
type Remote struct {
	baseURL string
	http    *http.Client
}

func NewRemote(baseURL string, hc *http.Client) *Remote {
	baseURL = strings.TrimRight(baseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{baseURL: baseURL, http: hc}
}

// --- Wire format (matches internal/lockd) ---

type lockWire struct {
	Project     string `json:"project"`
	LockID      string `json:"lock_id"`
	Owner       string `json:"owner"`
	MachineID   string `json:"machine_id"`
	AcquiredMS  int64  `json:"acquired_at_ms"`
	ExpiresMS   int64  `json:"expires_at_ms"`
	HeartbeatMS int64  `json:"last_heartbeat_ms"`
}

func (w *lockWire) toLock() *Lock {
	if w == nil {
		return nil
	}
	return &Lock{
		LockID:        w.LockID,
		Project:       w.Project,
		Owner:         w.Owner,
		MachineID:     w.MachineID,
		AcquiredAt:    time.UnixMilli(w.AcquiredMS),
		ExpiresAt:     time.UnixMilli(w.ExpiresMS),
		LastHeartbeat: time.UnixMilli(w.HeartbeatMS),
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

type heartbeatReq struct {
	LockID     string `json:"lock_id"`
	ExtendByMS int64  `json:"extend_by_ms"`
}

type heartbeatResp struct {
	Renewed bool      `json:"renewed"`
	Lock    *lockWire `json:"lock,omitempty"`
	Reason  string    `json:"reason,omitempty"`
}

type releaseReq struct {
	LockID string `json:"lock_id"`
}

type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

type breakResp struct {
	Removed bool   `json:"removed"`
	Reason  string `json:"reason,omitempty"`
}

type getResp struct {
	Project string    `json:"project"`
	Lock    *lockWire `json:"lock,omitempty"`
}

// UnexpectedStatusError reports a response the client has no mapping for.
type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}

// --- Store implementation ---

func (c *Remote) Get(ctx context.Context, project string) (*Lock, error) {
	path := fmt.Sprintf("%s/v1/locks/%s", c.baseURL, project)

	var out getResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, statusErr(http.MethodGet, path, code, raw)
	}
	return out.Lock.toLock(), nil
}

func (c *Remote) Acquire(ctx context.Context, candidate *Lock) (*Lock, error) {
	path := fmt.Sprintf("%s/v1/locks/%s/acquire", c.baseURL, candidate.Project)
	body := acquireReq{
		LockID:    candidate.LockID,
		Owner:     candidate.Owner,
		MachineID: candidate.MachineID,
		TTLMS:     candidate.ExpiresAt.Sub(candidate.AcquiredAt).Milliseconds(),
	}

	var out acquireResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, nil, body, &out)
	if err != nil {
		return nil, err
	}

	switch code {
	case http.StatusOK:
		lk := out.Lock.toLock()
		if lk == nil {
			return nil, statusErr(http.MethodPost, path, code, raw)
		}
		return lk, nil
	case http.StatusConflict:
		al := &AlreadyLockedError{Project: candidate.Project}
		if cur := out.Current.toLock(); cur != nil {
			al.Owner = cur.Owner
			al.MachineID = cur.MachineID
			al.ExpiresAt = cur.ExpiresAt
		}
		return nil, al
	default:
		return nil, statusErr(http.MethodPost, path, code, raw)
	}
}

func (c *Remote) Heartbeat(ctx context.Context, project, lockID string, expiresAt, heartbeatAt time.Time) (*Lock, error) {
	path := fmt.Sprintf("%s/v1/locks/%s/heartbeat", c.baseURL, project)
	body := heartbeatReq{
		LockID:     lockID,
		ExtendByMS: expiresAt.Sub(heartbeatAt).Milliseconds(),
	}

	var out heartbeatResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, nil, body, &out)
	if err != nil {
		return nil, err
	}

	switch code {
	case http.StatusOK:
		lk := out.Lock.toLock()
		if lk == nil {
			return nil, statusErr(http.MethodPost, path, code, raw)
		}
		return lk, nil
	case http.StatusConflict:
		return nil, reasonErr(out.Reason)
	default:
		return nil, statusErr(http.MethodPost, path, code, raw)
	}
}

func (c *Remote) Release(ctx context.Context, project, lockID string) error {
	path := fmt.Sprintf("%s/v1/locks/%s/release", c.baseURL, project)

	var out releaseResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, nil, releaseReq{LockID: lockID}, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return statusErr(http.MethodPost, path, code, raw)
	}
	if out.Released {
		return nil
	}
	return reasonErr(out.Reason)
}

func (c *Remote) ForceRemove(ctx context.Context, project string) error {
	path := fmt.Sprintf("%s/v1/locks/%s/break", c.baseURL, project)
	headers := map[string]string{"X-Mixlock-Confirm": project}

	var out breakResp
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, headers, struct{}{}, &out)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNoLock
	default:
		return statusErr(http.MethodPost, path, code, raw)
	}
}

func reasonErr(reason string) error {
	switch reason {
	case "NO_LOCK":
		return ErrNoLock
	case "LOCK_ID_MISMATCH":
		return ErrLockIDMismatch
	default:
		return fmt.Errorf("lock service rejected operation: %s", reason)
	}
}

func statusErr(method, path string, code int, body string) error {
	err := &UnexpectedStatusError{Method: method, Path: path, Code: code, Body: body}
	// Contention and server-side trouble are worth retrying; everything else
	// (bad request, auth) is not.
	if code == http.StatusServiceUnavailable || code >= 500 || code == http.StatusTooManyRequests {
		return resilience.MarkTransient(err)
	}
	return err
}

// doJSON sends JSON and optionally decodes a JSON response. Returns status
// code and raw body (trimmed) for error reporting.
func (c *Remote) doJSON(ctx context.Context, method, url string, headers map[string]string, req any, resp any) (int, string, error) {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return 0, "", err
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, "", err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	rsp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, "", err
	}
	defer rsp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(rsp.Body, 1<<20))
	trimmed := strings.TrimSpace(string(raw))

	if resp != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, resp) // tolerate non-JSON error bodies
	}
	return rsp.StatusCode, trimmed, nil
}
