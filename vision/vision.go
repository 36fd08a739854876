package vision

import (
	"context"

	"physique-analyze-pipeline/models"
)

// Client abstracts a vision-model provider used by the analyzer.
// Implementations must be concurrency-safe if used across goroutines.
type Client interface {
	// AnalyzeImage takes a prepared JPEG payload and returns the raw model
	// response text (a JSON document, possibly wrapped in prose or
	// truncated). Progress callbacks are advisory. Errors are classified
	// *models.APIError values.
	AnalyzeImage(ctx context.Context, imageData []byte, onProgress models.ProgressFunc) (string, error)
	// SourceName returns a short provider label to persist with analyses
	// (e.g., "ChatGPT").
	SourceName() string
}
