// mixload hammers a mixlockd instance with concurrent clients fighting over
// one project, to check that at most one holder exists at a time and that
// HELD responses carry a usable retry hint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type lockWire struct {
	Project     string `json:"project"`
	LockID      string `json:"lock_id"`
	Owner       string `json:"owner"`
	MachineID   string `json:"machine_id"`
	AcquiredMS  int64  `json:"acquired_at_ms"`
	ExpiresMS   int64  `json:"expires_at_ms"`
	HeartbeatMS int64  `json:"last_heartbeat_ms"`
}

type acquireResp struct {
	Acquired         bool      `json:"acquired"`
	Lock             *lockWire `json:"lock,omitempty"`
	Current          *lockWire `json:"current,omitempty"`
	RecommendedRetry int64     `json:"recommended_retry_ms,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

type releaseResp struct {
	Released bool   `json:"released"`
	Reason   string `json:"reason,omitempty"`
}

// editSession simulates the project being edited: it refuses a second
// concurrent writer, which under a correct lock service never happens.
type editSession struct {
	mu        sync.Mutex
	active    string
	overlaps  int64
	completed int64
}

func (s *editSession) begin(owner string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" && s.active != owner {
		s.overlaps++
		return false
	}
	s.active = owner
	return true
}

func (s *editSession) end(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == owner {
		s.active = ""
		s.completed++
	}
}

func (s *editSession) stats() (overlaps, completed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps, s.completed
}

func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "mixlockd base URL")
		project  = flag.String("project", "hotproject", "project key")
		clients  = flag.Int("clients", 50, "number of concurrent clients")
		duration = flag.Duration("duration", 20*time.Second, "test duration")
		ttl      = flag.Duration("ttl", 800*time.Millisecond, "lock lease ttl")
		hold     = flag.Duration("hold", 30*time.Millisecond, "time spent editing")
		jitter   = flag.Duration("jitter", 30*time.Millisecond, "extra random sleep while editing")
		failRate = flag.Float64("failrate", 0.03, "probability to stall past ttl (simulate a hung client)")
	)
	flag.Parse()

	httpc := &http.Client{Timeout: 10 * time.Second}
	session := &editSession{}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		acqOK     int64
		acqFail   int64
		releaseOK int64
		errCount  int64
	)

	wg := sync.WaitGroup{}
	start := time.Now()

	for i := 0; i < *clients; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := fmt.Sprintf("c-%d@mixload", i)

			for ctx.Err() == nil {
				lockID := uuid.NewString()
				ar, ok, err := acquire(ctx, httpc, *baseURL, *project, owner, lockID, *ttl)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
					continue
				}
				if !ok {
					atomic.AddInt64(&acqFail, 1)
					sleep := time.Duration(ar.RecommendedRetry) * time.Millisecond
					if sleep <= 0 {
						sleep = 20 * time.Millisecond
					}
					time.Sleep(sleep)
					continue
				}

				atomic.AddInt64(&acqOK, 1)

				// Editing window. A stall past the ttl lets the lease
				// expire mid-edit, which is the interesting case.
				session.begin(owner)
				if rand.Float64() < *failRate {
					time.Sleep(*ttl + 50*time.Millisecond)
				} else {
					time.Sleep(*hold + time.Duration(rand.Int63n(int64(*jitter)+1)))
				}
				session.end(owner)

				// Release may report NO_LOCK if the lease expired and
				// someone else took over; that is expected.
				rr, err := release(ctx, httpc, *baseURL, *project, lockID)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
				} else if rr.Released {
					atomic.AddInt64(&releaseOK, 1)
				}

				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	overlaps, completed := session.stats()

	fmt.Println("=== mixlockd contention test ===")
	fmt.Printf("duration: %s, clients: %d, project: %s\n", elapsed, *clients, *project)
	fmt.Printf("acquire_success: %d\n", acqOK)
	fmt.Printf("acquire_fail:    %d\n", acqFail)
	fmt.Printf("release_success: %d\n", releaseOK)
	fmt.Printf("edits_completed: %d\n", completed)
	fmt.Printf("edit_overlaps:   %d\n", overlaps)
	fmt.Printf("errors:          %d\n", errCount)

	// edit_overlaps stays zero as long as every client's editing window fits
	// inside its lease. With failrate > 0 a stalled client's lease expires
	// mid-edit, so small overlap counts there indict the client, not the
	// server.
}

func acquire(ctx context.Context, c *http.Client, baseURL, project, owner, lockID string, ttl time.Duration) (acquireResp, bool, error) {
	body := map[string]interface{}{
		"lock_id":    lockID,
		"owner":      owner,
		"machine_id": "mixload",
		"ttl_ms":     ttl.Milliseconds(),
	}
	b, _ := json.Marshal(body)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/locks/%s/acquire", baseURL, project), bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return acquireResp{}, false, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	var ar acquireResp
	if err := json.Unmarshal(data, &ar); err != nil {
		return acquireResp{}, false, fmt.Errorf("decode acquire: %v body=%s", err, string(data))
	}

	if resp.StatusCode == http.StatusOK && ar.Acquired {
		return ar, true, nil
	}
	if resp.StatusCode == http.StatusConflict && !ar.Acquired {
		return ar, false, nil
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return ar, false, nil
	}
	return ar, false, fmt.Errorf("acquire unexpected status=%d body=%s", resp.StatusCode, string(data))
}

func release(ctx context.Context, c *http.Client, baseURL, project, lockID string) (releaseResp, error) {
	body := map[string]interface{}{"lock_id": lockID}
	b, _ := json.Marshal(body)

	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/v1/locks/%s/release", baseURL, project), bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return releaseResp{}, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	var rr releaseResp
	if err := json.Unmarshal(data, &rr); err != nil {
		return releaseResp{}, fmt.Errorf("decode release: %v body=%s", err, string(data))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return rr, fmt.Errorf("release unexpected status=%d body=%s", resp.StatusCode, string(data))
	}
	return rr, nil
}
