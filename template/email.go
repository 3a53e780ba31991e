package template

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sangamhq/jobengine/errors"
)

type emailParams struct {
	Recipients []string `json:"recipients" validate:"required,min=1,dive,email"`
	Subject    string   `json:"subject" validate:"required,max=200"`
	Body       string   `json:"body" validate:"required"`
	BodyType   string   `json:"body_type" validate:"omitempty,oneof=text html"`
	Priority   string   `json:"priority" validate:"omitempty,oneof=low normal high"`
}

func (p *emailParams) bodyType() string {
	if p.BodyType == "" {
		return "text"
	}
	return p.BodyType
}

func (p *emailParams) priority() string {
	if p.Priority == "" {
		return "normal"
	}
	return p.Priority
}

// EmailNotification enqueues outbound mail into the notification_outbox
// table. Actual delivery is handled by an external worker draining the
// outbox, so a run succeeds once the rows are committed.
type EmailNotification struct{}

func NewEmailNotification() *EmailNotification { return &EmailNotification{} }

func (*EmailNotification) Type() string { return "email_notification" }

func (*EmailNotification) Describe() Descriptor {
	return Descriptor{
		Type:              "email_notification",
		Name:              "Email Notification",
		Description:       "Queue an email to a list of recipients",
		Category:          "communication",
		Icon:              "mail",
		EstimatedDuration: "under 1 minute",
		ResourceUsage:     "low",
		RiskLevel:         "low",
	}
}

func (*EmailNotification) Schema() ParamSchema {
	return ParamSchema{Fields: []ParamField{
		{Name: "recipients", Type: "array", Description: "Recipient email addresses", Required: true},
		{Name: "subject", Type: "string", Description: "Email subject", Required: true},
		{Name: "body", Type: "string", Description: "Email body", Required: true},
		{Name: "body_type", Type: "string", Description: "Body content type", Default: "text", Enum: []string{"text", "html"}},
		{Name: "priority", Type: "string", Description: "Delivery priority", Default: "normal", Enum: []string{"low", "normal", "high"}},
	}}
}

func (*EmailNotification) ValidateParams(params map[string]any) error {
	var p emailParams
	return BindParams(params, &p)
}

func (t *EmailNotification) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	var p emailParams
	if err := BindParams(rc.Params, &p); err != nil {
		return nil, err
	}

	tx, err := rc.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin outbox tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, recipient := range p.Recipients {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notification_outbox (id, recipient, subject, body, body_type, priority, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?)`,
			uuid.NewString(), recipient, p.Subject, p.Body, p.bodyType(), p.priority(), now)
		if err != nil {
			return nil, errors.Wrapf(err, "enqueue mail for %s", recipient)
		}
		rc.Logf("info", "queued %s mail for %s", p.priority(), recipient)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit outbox tx")
	}

	n := int64(len(p.Recipients))
	return &Result{
		Message:          fmt.Sprintf("queued %d emails", n),
		RecordsProcessed: n,
		RecordsAffected:  n,
		Details:          map[string]any{"subject": p.Subject, "priority": p.priority()},
	}, nil
}
