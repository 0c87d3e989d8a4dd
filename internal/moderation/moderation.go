// Package moderation checks listing photos against an image moderation workflow.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	// DefaultEndpoint is the hosted workflow check URL.
	DefaultEndpoint = "https://api.sightengine.com/1.0/check-workflow.json"

	actionReject     = "reject"
	statusFailure    = "failure"
	defaultTimeout   = 15 * time.Second
	maxResponseBytes = 1 << 20
)

var (
	// ErrInvalidConfig indicates a missing endpoint or credential.
	ErrInvalidConfig = errors.New("moderation: invalid config")
	// ErrProviderFailure indicates the provider could not produce a verdict.
	ErrProviderFailure = errors.New("moderation: provider failure")
	// ErrNoValidators indicates an empty chain.
	ErrNoValidators = errors.New("moderation: no validators configured")
)

// Config holds workflow credentials.
type Config struct {
	Endpoint   string
	WorkflowID string
	APIUser    string
	APISecret  string
	Timeout    time.Duration
}

// WorkflowValidator implements billing.ContentValidator over HTTP.
type WorkflowValidator struct {
	config Config
	client *http.Client
}

// NewWorkflowValidator validates the config. A nil client gets a default with Config.Timeout.
func NewWorkflowValidator(config Config, client *http.Client) (*WorkflowValidator, error) {
	config.Endpoint = strings.TrimSpace(config.Endpoint)
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	config.WorkflowID = strings.TrimSpace(config.WorkflowID)
	config.APIUser = strings.TrimSpace(config.APIUser)
	config.APISecret = strings.TrimSpace(config.APISecret)
	if config.WorkflowID == "" || config.APIUser == "" || config.APISecret == "" {
		return nil, fmt.Errorf("%w: workflow id, api user and api secret are required", ErrInvalidConfig)
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &WorkflowValidator{config: config, client: client}, nil
}

type workflowResponse struct {
	Status string `json:"status"`
	Error  struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Summary struct {
		Action       string  `json:"action"`
		RejectProb   float64 `json:"reject_prob"`
		RejectReason []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"reject_reason"`
	} `json:"summary"`
}

// Validate uploads the image and maps the workflow summary to a Verdict.
func (validator *WorkflowValidator) Validate(ctx context.Context, image billing.Image) (billing.Verdict, error) {
	body, contentType, err := validator.encode(image)
	if err != nil {
		return billing.Verdict{}, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, validator.config.Endpoint, body)
	if err != nil {
		return billing.Verdict{}, fmt.Errorf("moderation: build request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	response, err := validator.client.Do(request)
	if err != nil {
		return billing.Verdict{}, fmt.Errorf("%w: %w", ErrProviderFailure, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return billing.Verdict{}, fmt.Errorf("%w: read body: %w", ErrProviderFailure, err)
	}
	if response.StatusCode >= http.StatusInternalServerError {
		return billing.Verdict{}, fmt.Errorf("%w: status %d", ErrProviderFailure, response.StatusCode)
	}
	var decoded workflowResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return billing.Verdict{}, fmt.Errorf("%w: decode: %w", ErrProviderFailure, err)
	}
	if decoded.Status == statusFailure {
		return billing.Verdict{}, fmt.Errorf("%w: %s", ErrProviderFailure, decoded.Error.Message)
	}
	verdict := billing.Verdict{
		Accepted:   decoded.Summary.Action != actionReject,
		Confidence: decoded.Summary.RejectProb,
	}
	if !verdict.Accepted {
		reasons := make([]string, 0, len(decoded.Summary.RejectReason))
		for _, reason := range decoded.Summary.RejectReason {
			if reason.Text != "" {
				reasons = append(reasons, reason.Text)
			}
		}
		verdict.Reason = strings.Join(reasons, ", ")
	}
	return verdict, nil
}

func (validator *WorkflowValidator) encode(image billing.Image) (io.Reader, string, error) {
	buffer := &bytes.Buffer{}
	writer := multipart.NewWriter(buffer)
	fields := [][2]string{
		{"workflow", validator.config.WorkflowID},
		{"api_user", validator.config.APIUser},
		{"api_secret", validator.config.APISecret},
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("moderation: encode %s: %w", field[0], err)
		}
	}
	name := image.Name
	if name == "" {
		name = "media"
	}
	part, err := writer.CreateFormFile("media", name)
	if err != nil {
		return nil, "", fmt.Errorf("moderation: encode media: %w", err)
	}
	if _, err := part.Write(image.Data); err != nil {
		return nil, "", fmt.Errorf("moderation: encode media: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("moderation: encode: %w", err)
	}
	return buffer, writer.FormDataContentType(), nil
}

// Chain asks each validator in turn until one returns a verdict.
type Chain []billing.ContentValidator

// Validate implements billing.ContentValidator.
func (chain Chain) Validate(ctx context.Context, image billing.Image) (billing.Verdict, error) {
	var failures []error
	for _, validator := range chain {
		if validator == nil {
			continue
		}
		verdict, err := validator.Validate(ctx, image)
		if err == nil {
			return verdict, nil
		}
		if ctx.Err() != nil {
			return billing.Verdict{}, ctx.Err()
		}
		failures = append(failures, err)
	}
	if len(failures) == 0 {
		return billing.Verdict{}, ErrNoValidators
	}
	return billing.Verdict{}, errors.Join(failures...)
}

// AcceptAll approves everything. billingd uses it when moderation is unconfigured.
type AcceptAll struct{}

// Validate implements billing.ContentValidator.
func (AcceptAll) Validate(context.Context, billing.Image) (billing.Verdict, error) {
	return billing.Verdict{Accepted: true}, nil
}
