// Package queue is the persisted, priority-ordered list of pending analysis
// jobs. The whole queue is serialized as one JSON record in the key-value
// store and rewritten on every status transition, so a crash mid-processing
// is recoverable at the next startup.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"physique-analyze-pipeline/kvstore"
	"physique-analyze-pipeline/metrics"
	"physique-analyze-pipeline/models"

	"github.com/apex/log"
	"github.com/google/uuid"
)

const queueKey = "physique_queue:requests"

// Handler processes one request. A nil return marks the request completed;
// an error triggers retry bookkeeping.
type Handler func(ctx context.Context, req *models.AnalysisRequest) error

// RequestQueue owns its requests exclusively until they reach a terminal
// status. In-memory state is authoritative; persistence failures are logged
// and swallowed.
type RequestQueue struct {
	store          kvstore.Store
	maxRetries     int
	waitPerRequest time.Duration

	mu         sync.Mutex
	processing bool
	items      []*models.AnalysisRequest
	// terminal remembers the final status of requests that left the queue,
	// so status lookups keep working after completion.
	terminal map[string]models.RequestStatus

	now func() time.Time
}

// New loads the persisted queue. Requests orphaned in "processing" by a
// prior crash are reset to "pending".
func New(store kvstore.Store, maxRetries int, waitPerRequest time.Duration) *RequestQueue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if waitPerRequest <= 0 {
		waitPerRequest = 8 * time.Second
	}
	q := &RequestQueue{
		store:          store,
		maxRetries:     maxRetries,
		waitPerRequest: waitPerRequest,
		terminal:       make(map[string]models.RequestStatus),
		now:            time.Now,
	}
	q.load()
	return q
}

func (q *RequestQueue) load() {
	raw, err := q.store.Get(queueKey)
	if err != nil {
		if err != kvstore.ErrNotFound {
			log.WithError(err).Warn("queue: failed to load persisted queue")
		}
		return
	}
	var items []*models.AnalysisRequest
	if err := json.Unmarshal(raw, &items); err != nil {
		log.WithError(err).Warn("queue: corrupt persisted queue, starting empty")
		return
	}

	recovered := 0
	for _, req := range items {
		if req.Status == models.StatusProcessing {
			req.Status = models.StatusPending
			recovered++
		}
	}
	q.items = items
	q.sortLocked()
	if recovered > 0 {
		log.Infof("queue: recovered %d orphaned request(s) from a prior crash", recovered)
		q.persistLocked()
	}
	q.updateDepthLocked()
}

// Enqueue appends a pending request and returns its ID. The queue is
// re-sorted by (priority ascending, submission time ascending) and persisted.
func (q *RequestQueue) Enqueue(imageRef string, priority models.Priority) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	req := &models.AnalysisRequest{
		ID:          uuid.NewString(),
		ImageRef:    imageRef,
		Priority:    priority,
		SubmittedAt: q.now(),
		Status:      models.StatusPending,
	}
	q.items = append(q.items, req)
	q.sortLocked()
	q.persistLocked()
	q.updateDepthLocked()
	return req.ID
}

// ProcessAll drains the queue through handler, one request at a time. A
// concurrent invocation while processing is already underway returns
// immediately: at most one analysis job runs at any moment.
func (q *RequestQueue) ProcessAll(ctx context.Context, handler Handler) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	for ctx.Err() == nil {
		q.mu.Lock()
		req := q.headPendingLocked()
		if req == nil {
			q.mu.Unlock()
			return
		}
		req.Status = models.StatusProcessing
		q.persistLocked()
		q.updateDepthLocked()
		q.mu.Unlock()

		err := handler(ctx, req)

		q.mu.Lock()
		if err == nil {
			q.finishLocked(req, models.StatusCompleted)
		} else {
			req.RetryCount++
			req.LastError = err.Error()
			if req.RetryCount < q.maxRetries {
				// Retried work jumps the line so a transient failure
				// doesn't push the request behind fresh arrivals.
				req.Status = models.StatusPending
				req.Priority = models.PriorityHigh
				q.sortLocked()
				log.Warnf("queue: request %s failed (attempt %d/%d), re-queued: %v",
					req.ID, req.RetryCount, q.maxRetries, err)
			} else {
				req.Status = models.StatusFailed
				log.Errorf("queue: request %s failed permanently after %d attempts: %v",
					req.ID, req.RetryCount, err)
			}
		}
		q.persistLocked()
		q.updateDepthLocked()
		q.mu.Unlock()
	}
}

// Cancel removes a pending request. In-flight or finished requests cannot be
// cancelled.
func (q *RequestQueue) Cancel(requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.items {
		if req.ID != requestID {
			continue
		}
		if req.Status != models.StatusPending {
			return fmt.Errorf("request %s is %s and cannot be cancelled", requestID, req.Status)
		}
		q.finishLocked(req, models.StatusCancelled)
		q.persistLocked()
		q.updateDepthLocked()
		return nil
	}
	return fmt.Errorf("request %s not found", requestID)
}

// Status returns the current or final status of a request.
func (q *RequestQueue) Status(requestID string) (models.RequestStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, req := range q.items {
		if req.ID == requestID {
			return req.Status, nil
		}
	}
	if st, ok := q.terminal[requestID]; ok {
		return st, nil
	}
	return "", fmt.Errorf("request %s not found", requestID)
}

// Position returns the 1-based place of a pending request in processing
// order, or -1 if the request is absent or no longer pending.
func (q *RequestQueue) Position(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(requestID)
}

// EstimateWait predicts time until processing starts, as position times a
// fixed per-request duration. Returns false when the request isn't pending.
func (q *RequestQueue) EstimateWait(requestID string) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := q.positionLocked(requestID)
	if pos < 0 {
		return 0, false
	}
	return time.Duration(pos) * q.waitPerRequest, true
}

// PendingCount returns the number of pending requests.
func (q *RequestQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCountLocked()
}

// Requests returns a snapshot of all live queue entries.
func (q *RequestQueue) Requests() []models.AnalysisRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.AnalysisRequest, 0, len(q.items))
	for _, req := range q.items {
		out = append(out, *req)
	}
	return out
}

func (q *RequestQueue) positionLocked(requestID string) int {
	pos := 0
	for _, req := range q.items {
		if req.Status != models.StatusPending {
			continue
		}
		pos++
		if req.ID == requestID {
			return pos
		}
	}
	return -1
}

func (q *RequestQueue) headPendingLocked() *models.AnalysisRequest {
	for _, req := range q.items {
		if req.Status == models.StatusPending {
			return req
		}
	}
	return nil
}

// finishLocked records a terminal status and removes the request from the
// live queue. The persisted record may outlive the entry via the terminal map
// only for the process lifetime; the durable audit copy lives in the database.
func (q *RequestQueue) finishLocked(req *models.AnalysisRequest, status models.RequestStatus) {
	req.Status = status
	q.terminal[req.ID] = status
	kept := q.items[:0]
	for _, it := range q.items {
		if it.ID != req.ID {
			kept = append(kept, it)
		}
	}
	q.items = kept
}

func (q *RequestQueue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		if q.items[i].Priority != q.items[j].Priority {
			return q.items[i].Priority < q.items[j].Priority
		}
		return q.items[i].SubmittedAt.Before(q.items[j].SubmittedAt)
	})
}

func (q *RequestQueue) pendingCountLocked() int {
	n := 0
	for _, req := range q.items {
		if req.Status == models.StatusPending {
			n++
		}
	}
	return n
}

func (q *RequestQueue) updateDepthLocked() {
	metrics.QueueDepth.Set(float64(q.pendingCountLocked()))
}

func (q *RequestQueue) persistLocked() {
	items := q.items
	if items == nil {
		items = []*models.AnalysisRequest{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		log.WithError(err).Warn("queue: failed to marshal queue")
		return
	}
	if err := q.store.Set(queueKey, raw); err != nil {
		// In-memory integrity takes precedence over durability of any
		// single write.
		log.WithError(err).Warn("queue: failed to persist queue")
	}
}
