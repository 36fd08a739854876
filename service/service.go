package service

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"physique-analyze-pipeline/cache"
	"physique-analyze-pipeline/config"
	"physique-analyze-pipeline/database"
	"physique-analyze-pipeline/metrics"
	"physique-analyze-pipeline/models"
	"physique-analyze-pipeline/parser"
	"physique-analyze-pipeline/preprocess"
	"physique-analyze-pipeline/queue"
	"physique-analyze-pipeline/rabbitmq"
	"physique-analyze-pipeline/vision"
)

// processKick is how often a waiting caller re-triggers queue draining. The
// drain guard discards overlapping invocations, so kicking is cheap.
const processKick = 50 * time.Millisecond

// pendingRequest carries the in-memory half of a queued request: the image
// bytes, the caller's context and the channel the outcome is delivered on.
// Requests recovered from persistence after a restart have no pendingRequest
// and are failed on their next turn.
type pendingRequest struct {
	ctx        context.Context
	imageRef   string
	imageData  []byte
	onProgress models.ProgressFunc
	outcome    chan *models.AnalysisOutcome
}

// EventPublisher fans analysis-completed events out to interested consumers.
// *rabbitmq.Publisher satisfies it; tests substitute a recorder.
type EventPublisher interface {
	PublishCompleted(event rabbitmq.CompletedEvent)
}

// AnalysisService orchestrates the full pipeline: cache lookup, queueing,
// image preprocessing, the vision API call, response parsing, cache and DB
// writes, and event publishing. Analyze never panics and never returns a Go
// error; every failure is folded into the outcome envelope.
type AnalysisService struct {
	cfg       *config.Config
	cache     *cache.ResponseCache
	queue     *queue.RequestQueue
	vision    vision.Client
	processor *preprocess.JPEGProcessor
	db        *database.Database
	publisher EventPublisher

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New assembles the service. db and publisher may be nil; the corresponding
// writes are skipped.
func New(cfg *config.Config, respCache *cache.ResponseCache, reqQueue *queue.RequestQueue,
	visionClient vision.Client, processor *preprocess.JPEGProcessor,
	db *database.Database, publisher EventPublisher) *AnalysisService {
	return &AnalysisService{
		cfg:       cfg,
		cache:     respCache,
		queue:     reqQueue,
		vision:    visionClient,
		processor: processor,
		db:        db,
		publisher: publisher,
		pending:   make(map[string]*pendingRequest),
	}
}

// Analyze runs one physique analysis end to end and blocks until the outcome
// is available or ctx is cancelled.
func (s *AnalysisService) Analyze(ctx context.Context, imageRef string, imageData []byte,
	priority models.Priority, onProgress models.ProgressFunc) *models.AnalysisOutcome {

	start := time.Now()
	outcome := s.analyze(ctx, imageRef, imageData, priority, onProgress)

	result := "failure"
	switch {
	case outcome.Cached:
		result = "cached"
	case outcome.Success:
		result = "success"
	}
	metrics.AnalysesTotal.WithLabelValues(result).Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return outcome
}

func (s *AnalysisService) analyze(ctx context.Context, imageRef string, imageData []byte,
	priority models.Priority, onProgress models.ProgressFunc) *models.AnalysisOutcome {

	onProgress.Report(models.ProgressEvent{Stage: models.StageCacheCheck, Percent: 5})
	if result, ok := s.cache.Get(imageRef); ok {
		log.Infof("cache hit for %s", cache.Fingerprint(imageRef))
		onProgress.Report(models.ProgressEvent{Stage: models.StageDone, Percent: 100})
		s.publishOutcome("", imageRef, result, true, nil)
		return &models.AnalysisOutcome{Success: true, Data: result, Cached: true}
	}

	requestID := s.queue.Enqueue(imageRef, priority)
	pending := &pendingRequest{
		ctx:        ctx,
		imageRef:   imageRef,
		imageData:  imageData,
		onProgress: onProgress,
		outcome:    make(chan *models.AnalysisOutcome, 1),
	}
	s.mu.Lock()
	s.pending[requestID] = pending
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
	}()

	onProgress.Report(models.ProgressEvent{
		Stage:         models.StageQueued,
		Percent:       15,
		QueuePosition: s.queue.Position(requestID),
	})

	go s.queue.ProcessAll(context.Background(), s.process)

	ticker := time.NewTicker(processKick)
	defer ticker.Stop()
	for {
		select {
		case out := <-pending.outcome:
			onProgress.Report(models.ProgressEvent{Stage: models.StageDone, Percent: 100})
			return out
		case <-ctx.Done():
			if err := s.queue.Cancel(requestID); err == nil {
				return failureOutcome(models.WrapError(models.CodeCancelled,
					"analysis cancelled by caller", false, ctx.Err()))
			}
			// Already processing: the handler sees the cancelled context and
			// delivers the outcome itself.
			select {
			case out := <-pending.outcome:
				return out
			case <-time.After(s.cfg.RequestTimeout):
				return failureOutcome(models.NewAPIError(models.CodeCancelled,
					"analysis cancelled by caller", false))
			}
		case <-ticker.C:
			go s.queue.ProcessAll(context.Background(), s.process)
		}
	}
}

// process is the queue handler: it runs the pipeline for one request.
// Returning an error requeues the request (until the queue's retry budget is
// spent); terminal failures are delivered directly and return nil.
func (s *AnalysisService) process(_ context.Context, req *models.AnalysisRequest) error {
	s.mu.Lock()
	pending, ok := s.pending[req.ID]
	s.mu.Unlock()
	if !ok {
		// Recovered from persistence after a restart: the image bytes are
		// gone, so the request cannot be replayed.
		log.Warnf("dropping recovered request %s with no in-memory payload", req.ID)
		return nil
	}

	out, retryable := s.runPipeline(pending, req)
	if out.Error != nil && retryable && req.RetryCount < s.cfg.QueueMaxRetries-1 {
		// Let the queue requeue it at high priority. The caller keeps waiting.
		return out.Error
	}

	if out.Error != nil {
		s.publishOutcome(req.ID, pending.imageRef, nil, false, out.Error)
	}
	pending.outcome <- out
	if out.Error != nil && retryable {
		return out.Error
	}
	return nil
}

// runPipeline executes preprocess, vision call, parse, cache and DB writes.
// The second return value reports whether a failure is worth a queue-level
// retry.
func (s *AnalysisService) runPipeline(pending *pendingRequest, req *models.AnalysisRequest) (*models.AnalysisOutcome, bool) {
	ctx := pending.ctx
	onProgress := pending.onProgress

	onProgress.Report(models.ProgressEvent{Stage: models.StagePreparing, Percent: 25})
	imageData, err := s.processor.Process(pending.imageData)
	if err != nil {
		log.WithError(err).Errorf("preprocessing failed for request %s", req.ID)
		return failureOutcome(err), false
	}

	raw, err := s.vision.AnalyzeImage(ctx, imageData, onProgress)
	if err != nil {
		log.WithError(err).Errorf("vision call failed for request %s (attempt %d)", req.ID, req.RetryCount+1)
		return failureOutcome(err), models.IsRetryable(err)
	}

	onProgress.Report(models.ProgressEvent{Stage: models.StageParsing, Percent: 80})
	result, err := parser.ParseAnalysis(raw)
	if err != nil {
		// A malformed model response is not fixed by resubmitting the same
		// image, so it is never retried.
		log.WithError(err).Errorf("failed to parse vision response for request %s", req.ID)
		return failureOutcome(models.WrapError(models.CodeMalformedResponse,
			"vision response failed validation", false, err)), false
	}

	s.cache.Put(pending.imageRef, result)
	s.saveAnalysis(ctx, req.ID, pending.imageRef, result)
	s.publishOutcome(req.ID, pending.imageRef, result, false, nil)

	return &models.AnalysisOutcome{Success: true, Data: result}, false
}

func (s *AnalysisService) saveAnalysis(ctx context.Context, requestID, imageRef string, result *models.AnalysisResult) {
	if s.db == nil {
		return
	}
	var physiqueScore float64
	if result.OverallAssessment != nil {
		physiqueScore = result.OverallAssessment.PhysiqueScore
	}
	stored := &database.StoredAnalysis{
		RequestID:     requestID,
		Fingerprint:   cache.Fingerprint(imageRef),
		Source:        s.vision.SourceName(),
		PhysiqueScore: physiqueScore,
		Result:        *result,
	}
	if err := s.db.SaveAnalysis(ctx, stored); err != nil {
		log.WithError(err).Errorf("failed to persist analysis for request %s", requestID)
	}
}

func (s *AnalysisService) publishOutcome(requestID, imageRef string, result *models.AnalysisResult, cached bool, apiErr *models.APIError) {
	if s.publisher == nil {
		return
	}
	event := rabbitmq.CompletedEvent{
		RequestID:   requestID,
		Fingerprint: cache.Fingerprint(imageRef),
		Source:      s.vision.SourceName(),
		Cached:      cached,
		Success:     apiErr == nil,
		Result:      result,
		CompletedAt: time.Now(),
	}
	if apiErr != nil {
		event.ErrorCode = string(apiErr.Code)
	}
	s.publisher.PublishCompleted(event)
}

// RequestStatus reports the queue status of a request.
func (s *AnalysisService) RequestStatus(requestID string) (models.RequestStatus, error) {
	return s.queue.Status(requestID)
}

// RequestPosition reports the 1-based pending position and estimated wait.
func (s *AnalysisService) RequestPosition(requestID string) (int, time.Duration) {
	pos := s.queue.Position(requestID)
	wait, _ := s.queue.EstimateWait(requestID)
	return pos, wait
}

// CancelRequest cancels a pending request.
func (s *AnalysisService) CancelRequest(requestID string) error {
	return s.queue.Cancel(requestID)
}

// CacheStats exposes response cache statistics.
func (s *AnalysisService) CacheStats() cache.Stats {
	return s.cache.GetStats()
}

// InvalidateCache drops the cached result for one image reference.
func (s *AnalysisService) InvalidateCache(imageRef string) {
	s.cache.Invalidate(imageRef)
}

// QueueRequests snapshots all live and terminal requests.
func (s *AnalysisService) QueueRequests() []models.AnalysisRequest {
	return s.queue.Requests()
}

// StoredAnalysis looks a saved analysis up by request ID.
func (s *AnalysisService) StoredAnalysis(ctx context.Context, requestID string) (*database.StoredAnalysis, error) {
	return s.db.GetAnalysisByRequestID(ctx, requestID)
}

// Stats aggregates persisted analysis statistics.
func (s *AnalysisService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.db.GetStats(ctx)
}

// HasDatabase reports whether persistence is configured.
func (s *AnalysisService) HasDatabase() bool {
	return s.db != nil
}

// failureOutcome folds any error into the outcome envelope, classifying
// unrecognized errors as UNKNOWN_ERROR so callers always see a code.
func failureOutcome(err error) *models.AnalysisOutcome {
	apiErr, ok := models.AsAPIError(err)
	if !ok {
		apiErr = models.WrapError(models.CodeUnknownError, err.Error(), false, err)
	}
	return &models.AnalysisOutcome{Success: false, Error: apiErr}
}
