package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"physique-analyze-pipeline/cache"
	"physique-analyze-pipeline/config"
	"physique-analyze-pipeline/kvstore"
	"physique-analyze-pipeline/models"
	"physique-analyze-pipeline/preprocess"
	"physique-analyze-pipeline/queue"
	"physique-analyze-pipeline/rabbitmq"
	"physique-analyze-pipeline/stubvision"
	"physique-analyze-pipeline/vision"
)

// fakeVision counts calls and returns a scripted response per call.
type fakeVision struct {
	calls   atomic.Int32
	respond func(ctx context.Context, call int) (string, error)
}

func (f *fakeVision) SourceName() string { return "Fake" }

func (f *fakeVision) AnalyzeImage(ctx context.Context, imageData []byte, onProgress models.ProgressFunc) (string, error) {
	call := int(f.calls.Add(1))
	return f.respond(ctx, call)
}

const validResponse = `{
	"metadata": {"imageQuality": "good", "confidence": 88, "detectedRegions": ["chest", "arms"]},
	"muscleScores": [
		{"name": "Pectoralis Major", "group": "chest", "score": 7, "category": "developed", "visibility": "clear"},
		{"name": "Biceps Brachii", "group": "arms", "score": 5, "category": "average", "visibility": "clear"}
	],
	"overallAssessment": {
		"strongestMuscles": ["Pectoralis Major"],
		"weakestMuscles": ["Biceps Brachii"],
		"physiqueScore": 6,
		"symmetryScore": 6,
		"balanceCategory": "balanced"
	},
	"recommendations": [
		{"target": "arms", "priority": "high", "exercises": ["Barbell Curl", "Hammer Curl"], "frequency": "2x/week"}
	]
}`

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

// recordingPublisher captures completed events in place of a broker.
type recordingPublisher struct {
	mu     sync.Mutex
	events []rabbitmq.CompletedEvent
}

func (r *recordingPublisher) PublishCompleted(event rabbitmq.CompletedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingPublisher) snapshot() []rabbitmq.CompletedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rabbitmq.CompletedEvent(nil), r.events...)
}

func newTestService(visionClient vision.Client) *AnalysisService {
	return newPublishingTestService(visionClient, nil)
}

func newPublishingTestService(visionClient vision.Client, publisher EventPublisher) *AnalysisService {
	cfg := &config.Config{
		QueueMaxRetries: 3,
		RequestTimeout:  2 * time.Second,
	}
	store := kvstore.NewMemoryStore()
	respCache := cache.New(store, 0, 50, 0.2)
	reqQueue := queue.New(store, cfg.QueueMaxRetries, time.Second)
	processor := preprocess.NewJPEGProcessor(1024, 80, 1<<20)
	return New(cfg, respCache, reqQueue, visionClient, processor, nil, publisher)
}

func TestAnalyzeSuccessThenCacheHit(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return validResponse, nil
	}}
	s := newTestService(v)
	img := testJPEG(t)

	out := s.Analyze(context.Background(), "photo-2026-08-30", img, models.PriorityNormal, nil)
	if !out.Success || out.Cached {
		t.Fatalf("first call: success=%v cached=%v error=%v", out.Success, out.Cached, out.Error)
	}
	if out.Data == nil || len(out.Data.MuscleScores) != 2 {
		t.Fatalf("unexpected result: %+v", out.Data)
	}

	out2 := s.Analyze(context.Background(), "photo-2026-08-30", img, models.PriorityNormal, nil)
	if !out2.Success || !out2.Cached {
		t.Fatalf("second call: success=%v cached=%v", out2.Success, out2.Cached)
	}
	if got := v.calls.Load(); got != 1 {
		t.Errorf("vision calls = %d, want 1", got)
	}
}

func TestAnalyzeRepairsTruncatedResponse(t *testing.T) {
	// Cut mid-way through the recommendations array so the repair path has
	// to close the dangling structures.
	truncated := validResponse[:len(validResponse)-60]
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return truncated, nil
	}}
	s := newTestService(v)

	out := s.Analyze(context.Background(), "truncated-photo", testJPEG(t), models.PriorityNormal, nil)
	if !out.Success {
		t.Fatalf("expected repaired response to succeed, got error: %v", out.Error)
	}
	if len(out.Data.MuscleScores) != 2 {
		t.Errorf("muscle scores = %d, want 2", len(out.Data.MuscleScores))
	}
	if got := v.calls.Load(); got != 1 {
		t.Errorf("vision calls = %d, want 1", got)
	}
}

func TestAnalyzeInvalidImageNotSent(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return validResponse, nil
	}}
	s := newTestService(v)

	out := s.Analyze(context.Background(), "garbage", []byte("not an image"), models.PriorityNormal, nil)
	if out.Success {
		t.Fatal("expected failure for undecodable image")
	}
	if out.Error == nil || out.Error.Code != models.CodeInvalidImage {
		t.Errorf("error = %v, want %s", out.Error, models.CodeInvalidImage)
	}
	if got := v.calls.Load(); got != 0 {
		t.Errorf("vision calls = %d, want 0", got)
	}
}

func TestAnalyzeRetriesTransientFailures(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		if call < 3 {
			return "", models.NewAPIError(models.CodeNetworkError, "connection reset", true)
		}
		return validResponse, nil
	}}
	s := newTestService(v)

	out := s.Analyze(context.Background(), "flaky-photo", testJPEG(t), models.PriorityNormal, nil)
	if !out.Success {
		t.Fatalf("expected success after requeues, got: %v", out.Error)
	}
	if got := v.calls.Load(); got != 3 {
		t.Errorf("vision calls = %d, want 3", got)
	}
}

func TestAnalyzeExhaustsQueueRetries(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return "", models.NewAPIError(models.CodeNetworkError, "connection reset", true)
	}}
	s := newTestService(v)

	out := s.Analyze(context.Background(), "dead-photo", testJPEG(t), models.PriorityNormal, nil)
	if out.Success {
		t.Fatal("expected failure after exhausting retries")
	}
	if out.Error == nil || out.Error.Code != models.CodeNetworkError {
		t.Errorf("error = %v, want %s", out.Error, models.CodeNetworkError)
	}
	if got := v.calls.Load(); got != 3 {
		t.Errorf("vision calls = %d, want 3", got)
	}
}

func TestAnalyzeMalformedResponseNotRetried(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return "I cannot analyze this image, sorry.", nil
	}}
	s := newTestService(v)

	out := s.Analyze(context.Background(), "chatty-photo", testJPEG(t), models.PriorityNormal, nil)
	if out.Success {
		t.Fatal("expected failure for unparseable response")
	}
	if out.Error == nil || out.Error.Code != models.CodeMalformedResponse {
		t.Errorf("error = %v, want %s", out.Error, models.CodeMalformedResponse)
	}
	if got := v.calls.Load(); got != 1 {
		t.Errorf("vision calls = %d, want 1", got)
	}
}

func TestAnalyzeCancellation(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		<-ctx.Done()
		return "", models.WrapError(models.CodeCancelled, "request cancelled by caller", false, ctx.Err())
	}}
	s := newTestService(v)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *models.AnalysisOutcome, 1)
	go func() {
		done <- s.Analyze(ctx, "slow-photo", testJPEG(t), models.PriorityNormal, nil)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if out.Success {
			t.Fatal("expected cancelled outcome")
		}
		if out.Error == nil || out.Error.Code != models.CodeCancelled {
			t.Errorf("error = %v, want %s", out.Error, models.CodeCancelled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Analyze did not return after cancellation")
	}
}

func TestAnalyzeClassifiesUnrecognizedErrors(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return "", errors.New("socket closed unexpectedly")
	}}
	s := newTestService(v)

	out := s.Analyze(context.Background(), "odd-failure", testJPEG(t), models.PriorityNormal, nil)
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Error == nil || out.Error.Code != models.CodeUnknownError {
		t.Errorf("error = %v, want %s", out.Error, models.CodeUnknownError)
	}
	if got := v.calls.Load(); got != 1 {
		t.Errorf("vision calls = %d, want 1 for an unclassified error", got)
	}
}

func TestAnalyzeStubProviderRepairsTruncation(t *testing.T) {
	stub := stubvision.NewClient()
	full, err := stub.AnalyzeImage(context.Background(), []byte("stub-input"), nil)
	if err != nil {
		t.Fatalf("stub AnalyzeImage: %v", err)
	}
	// Cut inside the trailing recommendations section.
	stub.TruncateAt = len(full) - 40

	s := newTestService(stub)
	out := s.Analyze(context.Background(), "stub-photo", testJPEG(t), models.PriorityNormal, nil)
	if !out.Success {
		t.Fatalf("expected repaired stub output to succeed, got: %v", out.Error)
	}
	if len(out.Data.MuscleScores) != 3 {
		t.Errorf("muscle scores = %d, want 3", len(out.Data.MuscleScores))
	}
}

func TestAnalyzePublishesOutcomes(t *testing.T) {
	failures := 0
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		if call == 1 {
			return validResponse, nil
		}
		return "complete gibberish", nil
	}}
	pub := &recordingPublisher{}
	s := newPublishingTestService(v, pub)
	img := testJPEG(t)

	if out := s.Analyze(context.Background(), "publish-ok", img, models.PriorityNormal, nil); !out.Success {
		t.Fatalf("first analyze failed: %v", out.Error)
	}
	if out := s.Analyze(context.Background(), "publish-ok", img, models.PriorityNormal, nil); !out.Cached {
		t.Fatal("second analyze should hit the cache")
	}
	if out := s.Analyze(context.Background(), "publish-bad", img, models.PriorityNormal, nil); out.Success {
		t.Fatal("third analyze should fail")
	}

	events := pub.snapshot()
	if len(events) != 3 {
		t.Fatalf("published events = %d, want 3", len(events))
	}
	if !events[0].Success || events[0].Cached {
		t.Errorf("first event = %+v, want success and not cached", events[0])
	}
	if !events[1].Success || !events[1].Cached {
		t.Errorf("second event = %+v, want success and cached", events[1])
	}
	if events[2].Success || events[2].ErrorCode != string(models.CodeMalformedResponse) {
		t.Errorf("third event = %+v, want failure with %s", events[2], models.CodeMalformedResponse)
	}
	for _, ev := range events {
		if ev.Success != (ev.ErrorCode == "") {
			failures++
		}
	}
	if failures != 0 {
		t.Errorf("%d event(s) mix success with an error code", failures)
	}
}

func TestAnalyzeProgressStages(t *testing.T) {
	v := &fakeVision{respond: func(ctx context.Context, call int) (string, error) {
		return validResponse, nil
	}}
	s := newTestService(v)

	var mu = make(chan struct{}, 1)
	seen := map[models.ProgressStage]bool{}
	onProgress := models.ProgressFunc(func(ev models.ProgressEvent) {
		mu <- struct{}{}
		seen[ev.Stage] = true
		<-mu
	})

	out := s.Analyze(context.Background(), "progress-photo", testJPEG(t), models.PriorityNormal, onProgress)
	if !out.Success {
		t.Fatalf("Analyze failed: %v", out.Error)
	}
	for _, stage := range []models.ProgressStage{
		models.StageCacheCheck, models.StageQueued, models.StagePreparing, models.StageParsing, models.StageDone,
	} {
		if !seen[stage] {
			t.Errorf("stage %s was never reported", stage)
		}
	}
}
