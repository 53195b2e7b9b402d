package mutation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type webhookRetryInput struct {
	Target     string `validate:"required,uuid"`
	WebhookURL string `validate:"omitempty,max=2048,url"`
}

type reportErrorInput struct {
	Target string `validate:"required,uuid"`
	Note   string `validate:"max=200"`
}

type reporterReplyInput struct {
	Target string `validate:"required,uuid"`
	Note   string `validate:"required,max=200"`
	Status string `validate:"omitempty,eq=closed"`
}

type developerReplyInput struct {
	Target string `validate:"required,uuid"`
	Note   string `validate:"required,max=2000"`
	Status string `validate:"omitempty,oneof=open in_progress closed"`
}

type statusChangeInput struct {
	Target string `validate:"required,uuid"`
	Note   string `validate:"max=2000"`
	Status string `validate:"required,oneof=open in_progress closed"`
}

// ValidateStruct runs the shared validator over v.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

// normalize trims free text and checks the request against the bounds of its
// kind. Validation failures are returned as validator.ValidationErrors.
func normalize(req Request) (Request, error) {
	req.Target = strings.ToLower(strings.TrimSpace(req.Target))
	req.Note = strings.TrimSpace(req.Note)
	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	req.Status = strings.TrimSpace(req.Status)

	var input any
	switch req.Kind {
	case KindWebhookRetry:
		input = webhookRetryInput{Target: req.Target, WebhookURL: req.WebhookURL}
	case KindReportError:
		input = reportErrorInput{Target: req.Target, Note: req.Note}
	case KindThreadReply:
		if req.Role == RoleDeveloper {
			input = developerReplyInput{Target: req.Target, Note: req.Note, Status: req.Status}
		} else {
			req.Role = RoleReporter
			input = reporterReplyInput{Target: req.Target, Note: req.Note, Status: req.Status}
		}
	case KindStatusChange:
		req.Role = RoleDeveloper
		input = statusChangeInput{Target: req.Target, Note: req.Note, Status: req.Status}
	default:
		return req, fmt.Errorf("unknown mutation kind %q", req.Kind)
	}
	if err := validate.Struct(input); err != nil {
		return req, err
	}
	return req, nil
}
