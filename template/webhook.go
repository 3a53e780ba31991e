package template

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sangamhq/jobengine/errors"
)

type webhookParams struct {
	URL              string            `json:"url" validate:"required,url"`
	Method           string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE"`
	Headers          map[string]string `json:"headers"`
	Body             string            `json:"body"`
	ExpectedStatuses []int             `json:"expected_statuses" validate:"omitempty,dive,min=100,max=599"`
}

func (p *webhookParams) method() string {
	if p.Method == "" {
		return http.MethodPost
	}
	return p.Method
}

func (p *webhookParams) expected() []int {
	if len(p.ExpectedStatuses) == 0 {
		return []int{http.StatusOK}
	}
	return p.ExpectedStatuses
}

// WebhookTrigger calls an external HTTP endpoint. The run fails when the
// request errors or the response status is not in the expected set.
type WebhookTrigger struct {
	client *http.Client
}

func NewWebhookTrigger(client *http.Client) *WebhookTrigger {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookTrigger{client: client}
}

func (*WebhookTrigger) Type() string { return "webhook_trigger" }

func (*WebhookTrigger) Describe() Descriptor {
	return Descriptor{
		Type:              "webhook_trigger",
		Name:              "Webhook Trigger",
		Description:       "Call an external HTTP endpoint",
		Category:          "integration",
		Icon:              "link",
		EstimatedDuration: "under 1 minute",
		ResourceUsage:     "low",
		RiskLevel:         "medium",
	}
}

func (*WebhookTrigger) Schema() ParamSchema {
	return ParamSchema{Fields: []ParamField{
		{Name: "url", Type: "string", Description: "Endpoint URL", Required: true},
		{Name: "method", Type: "string", Description: "HTTP method", Default: "POST",
			Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
		{Name: "headers", Type: "object", Description: "Extra request headers"},
		{Name: "body", Type: "string", Description: "Request body"},
		{Name: "expected_statuses", Type: "array", Description: "Statuses treated as success", Default: []int{200}},
	}}
}

func (*WebhookTrigger) ValidateParams(params map[string]any) error {
	var p webhookParams
	return BindParams(params, &p)
}

func (t *WebhookTrigger) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	var p webhookParams
	if err := BindParams(rc.Params, &p); err != nil {
		return nil, err
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.method(), p.URL, body)
	if err != nil {
		return nil, errors.Wrapf(ErrValidation, "build request: %v", err)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}
	if p.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rc.Logf("info", "%s %s", p.method(), p.URL)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", p.method(), p.URL)
	}
	defer resp.Body.Close()

	// Keep a bounded sample of the response for the execution record.
	sample, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	for _, want := range p.expected() {
		if resp.StatusCode == want {
			rc.Logf("info", "endpoint answered %d", resp.StatusCode)
			return &Result{
				Message: fmt.Sprintf("webhook returned %d", resp.StatusCode),
				Details: map[string]any{
					"status":       resp.StatusCode,
					"responseBody": string(sample),
				},
			}, nil
		}
	}

	rc.Logf("error", "unexpected status %d from %s", resp.StatusCode, p.URL)
	return nil, errors.Newf("webhook returned unexpected status %d (expected %v)", resp.StatusCode, p.expected())
}
