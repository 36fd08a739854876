package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"physique-analyze-pipeline/config"
	"physique-analyze-pipeline/metrics"
	"physique-analyze-pipeline/models"

	"github.com/apex/log"
)

const promptSystem = `
You are **Physique Analyzer**, a vision-enabled expert that converts a physique photo into a structured muscle-development report.

########################################
# 1. MISSION
########################################
For every input photo you MUST:

Step 1: ========: Judge the photo itself: lighting, framing, how much of the body is visible. Grade the image quality as poor, fair, good or excellent and list the visible body regions.
Step 2: ========: Score every clearly visible muscle from 1 to 10 (1 = severely underdeveloped, 10 = elite competitive development). Never score a muscle you cannot see.
Step 3: ========: Compare left/right and upper/lower development to produce a symmetry score and a balance category.
Step 4: ========: Produce concrete training recommendations for the weakest areas, each with named exercises and a weekly frequency.
Step 5: ========: Output a **single, valid JSON object** and nothing else.

########################################
# 2. OUTPUT RULES
########################################
* JSON only - no wrapping markdown.
* Every score must lie in [1,10]; confidence in [0,100].
* muscleScores must contain at least one entry.
* Each recommendation must name at least two concrete exercises.
* If the photo does not show a human physique, still return the JSON object with imageQuality "poor", an empty detectedRegions list and your best effort elsewhere.

########################################
# 3. OUTPUT SCHEMA
{
  "metadata": {
    "imageQuality":    "<poor | fair | good | excellent>",
    "confidence":      <0-100>,
    "detectedRegions": ["chest", "arms", ...]
  },
  "muscleScores": [
    {
      "name":       "<anatomical name, e.g. Pectoralis Major>",
      "group":      "<chest | back | shoulders | arms | core | legs>",
      "score":      <1-10>,
      "category":   "<underdeveloped | average | developed | exceptional>",
      "visibility": "<clear | partial | obscured>"
    }
  ],
  "overallAssessment": {
    "strongestMuscles": ["<name>", ...],
    "weakestMuscles":   ["<name>", ...],
    "physiqueScore":    <1-10>,
    "symmetryScore":    <1-10>,
    "balanceCategory":  "<balanced | upper-dominant | lower-dominant | asymmetric>"
  },
  "recommendations": [
    {
      "target":    "<muscle or group>",
      "priority":  "<high | medium | low>",
      "exercises": ["<exercise 1>", "<exercise 2>"],
      "frequency": "<e.g. 2x/week>"
    }
  ]
}
########################################
`

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ImageContent struct {
	Type     string   `json:"type"`
	ImageURL ImageURL `json:"image_url"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
}

type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client calls the OpenAI vision API with bounded retries and exponential
// backoff with jitter. Safe for concurrent use.
type Client struct {
	apiKey      string
	model       string
	endpoint    string
	maxTokens   int
	temperature float64
	topP        float64

	maxRetries    int
	baseDelay     time.Duration
	backoffFactor float64
	jitter        time.Duration
	maxDelay      time.Duration

	client *http.Client
}

// NewClient creates a new OpenAI vision client from config.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		apiKey:        cfg.OpenAIAPIKey,
		model:         cfg.OpenAIModel,
		endpoint:      cfg.OpenAIAPIURL,
		maxTokens:     cfg.MaxTokens,
		temperature:   cfg.Temperature,
		topP:          cfg.TopP,
		maxRetries:    cfg.MaxRetries,
		baseDelay:     cfg.BaseRetryDelay,
		backoffFactor: cfg.BackoffFactor,
		jitter:        cfg.RetryJitter,
		maxDelay:      cfg.RetryMaxDelay,
		client:        &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// SourceName identifies this provider in saved analyses.
func (c *Client) SourceName() string {
	return "ChatGPT"
}

// encodeImageToBase64 converts image bytes to a base64 data URL.
func encodeImageToBase64(imageData []byte) string {
	return fmt.Sprintf("data:image/jpeg;base64,%s", base64.StdEncoding.EncodeToString(imageData))
}

// AnalyzeImage sends the photo to the vision API, retrying transient
// failures up to maxRetries times. Terminal statuses (auth, bad request)
// stop the loop immediately; cancellation is never retried.
func (c *Client) AnalyzeImage(ctx context.Context, imageData []byte, onProgress models.ProgressFunc) (string, error) {
	reqBody := ChatRequest{
		Model: c.model,
		Messages: []Message{
			{
				Role: "user",
				Content: []any{
					TextContent{Type: "text", Text: promptSystem},
					ImageContent{Type: "image_url", ImageURL: ImageURL{URL: encodeImageToBase64(imageData)}},
				},
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		TopP:        c.topP,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", models.WrapError(models.CodeUnknownError, "failed to marshal request", false, err)
	}

	maxAttempts := c.maxRetries + 1
	var lastErr *models.APIError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.retryDelay(attempt - 1)
			log.Warnf("vision API attempt %d/%d failed, retrying in %v: %v",
				attempt-1, maxAttempts, delay, lastErr)
			onProgress.Report(models.ProgressEvent{
				Stage:       models.StageRetrying,
				Percent:     35,
				Attempt:     attempt,
				MaxAttempts: maxAttempts,
			})
			metrics.APIRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return "", cancelledError(ctx)
			case <-time.After(delay):
			}
		}

		onProgress.Report(models.ProgressEvent{
			Stage:       models.StageUploading,
			Percent:     40,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
		})

		raw, apiErr := c.doAttempt(ctx, jsonData)
		if apiErr == nil {
			metrics.APIAttemptsTotal.WithLabelValues("ok").Inc()
			onProgress.Report(models.ProgressEvent{Stage: models.StageUploading, Percent: 70})
			return raw, nil
		}
		metrics.APIAttemptsTotal.WithLabelValues(string(apiErr.Code)).Inc()

		if apiErr.Code == models.CodeCancelled || !apiErr.Retryable {
			return "", apiErr
		}
		lastErr = apiErr
	}
	return "", lastErr
}

// retryDelay computes backoff for the given retry number (1-based):
// min(maxDelay, base * factor^(retry-1) + random jitter).
func (c *Client) retryDelay(retry int) time.Duration {
	backoff := float64(c.baseDelay) * math.Pow(c.backoffFactor, float64(retry-1))
	if c.jitter > 0 {
		backoff += float64(rand.Int63n(int64(c.jitter) + 1))
	}
	if backoff > float64(c.maxDelay) {
		backoff = float64(c.maxDelay)
	}
	return time.Duration(backoff)
}

// doAttempt performs one HTTP POST and classifies any failure.
func (c *Client) doAttempt(ctx context.Context, jsonData []byte) (string, *models.APIError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return "", models.WrapError(models.CodeUnknownError, "failed to create request", false, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", cancelledError(ctx)
		}
		// No HTTP response at all: connection refused, DNS failure, or the
		// client-side timeout. Always retryable.
		return "", models.WrapError(models.CodeNetworkError, "request failed without a response", true, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", models.WrapError(models.CodeNetworkError, "failed to read response body", true, err)
	}

	if resp.StatusCode != http.StatusOK {
		code := models.ClassifyStatus(resp.StatusCode)
		return "", models.NewAPIError(code,
			fmt.Sprintf("API error (status %d): %s", resp.StatusCode, truncateBody(body)),
			models.StatusRetryable(resp.StatusCode))
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", models.WrapError(models.CodeMalformedResponse, "failed to parse response envelope", false, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", models.NewAPIError(models.CodeMalformedResponse, "no choices in response", false)
	}

	content := chatResp.Choices[0].Message.Content
	if contentStr, ok := content.(string); ok {
		return contentStr, nil
	}

	// Some models return structured content; flatten it back to JSON text.
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return "", models.WrapError(models.CodeMalformedResponse, "failed to marshal content", false, err)
	}
	return string(contentJSON), nil
}

func cancelledError(ctx context.Context) *models.APIError {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.CodeAPITimeout, "request deadline exceeded", false, err)
	}
	return models.WrapError(models.CodeCancelled, "request cancelled by caller", false, err)
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
