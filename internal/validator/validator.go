// Package validator checks and normalizes run requests before they reach the
// dispatch engine.
package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/util"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid message")

// RunRequest is the JSON payload accepted for starting a run.
type RunRequest struct {
	RunKey      string             `json:"run_key,omitempty"`
	SessionName string             `json:"session_name,omitempty"`
	ListID      *int64             `json:"list_id,omitempty"`
	PacingMs    *int               `json:"pacing_ms,omitempty"`
	Message     models.MessageSpec `json:"message"`
}

// Validator enforces the configured limits on message specs.
type Validator struct {
	logger zerolog.Logger
	cfg    config.ValidationConfig
}

// New constructs a Validator using the supplied validation configuration.
func New(cfg config.ValidationConfig, logger zerolog.Logger) *Validator {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Validator{logger: logger, cfg: cfg}
}

// DecodeRunRequest parses a JSON run request and validates the embedded
// message.
func (v *Validator) DecodeRunRequest(payload []byte) (*RunRequest, error) {
	req, err := ParseRunRequest(payload)
	if err != nil {
		return nil, err
	}
	if err := v.Validate(&req.Message); err != nil {
		return nil, err
	}
	return req, nil
}

// ParseRunRequest decodes a JSON run request, rejecting unknown fields,
// without validating the message. Callers that fill the message from a stored
// template validate afterwards.
func ParseRunRequest(payload []byte) (*RunRequest, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrInvalid)
	}

	var req RunRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}

	req.RunKey = strings.TrimSpace(req.RunKey)
	req.SessionName = strings.TrimSpace(req.SessionName)
	if req.PacingMs != nil && *req.PacingMs < 0 {
		return nil, fmt.Errorf("%w: pacing_ms cannot be negative", ErrInvalid)
	}
	return &req, nil
}

// Validate normalizes spec in place and reports the first violation.
func (v *Validator) Validate(spec *models.MessageSpec) error {
	if spec == nil {
		return fmt.Errorf("%w: message is required", ErrInvalid)
	}
	spec.Channel = strings.ToLower(strings.TrimSpace(spec.Channel))

	var err error
	switch spec.Channel {
	case models.ChannelEmail:
		err = v.validateEmail(spec)
	case models.ChannelWhatsApp:
		err = v.validateWhatsApp(spec)
	default:
		err = fmt.Errorf("unsupported channel %q", spec.Channel)
	}
	if err != nil {
		v.logger.Debug().Str("channel", spec.Channel).Err(err).Msg("message rejected by validator")
		return fmt.Errorf("%w: %s", ErrInvalid, err)
	}
	return nil
}

func (v *Validator) validateEmail(spec *models.MessageSpec) error {
	if strings.TrimSpace(spec.From) != "" {
		from, err := util.NormalizeEmail(spec.From)
		if err != nil {
			return fmt.Errorf("from: %w", err)
		}
		spec.From = from
	}

	var err error
	if spec.CC, err = util.NormalizeEmails(spec.CC, v.cfg.CopyRecipientsMax); err != nil {
		return fmt.Errorf("cc: %w", err)
	}
	if spec.BCC, err = util.NormalizeEmails(spec.BCC, v.cfg.CopyRecipientsMax); err != nil {
		return fmt.Errorf("bcc: %w", err)
	}

	if strings.TrimSpace(spec.Subject) == "" {
		return errors.New("subject is required")
	}
	if err := util.EnsureMaxRunes("subject", spec.Subject, v.cfg.SubjectMaxLen); err != nil {
		return err
	}
	if strings.TrimSpace(spec.Body) == "" {
		return errors.New("body is required")
	}
	if err := util.EnsureMaxBytes("body", len(spec.Body), v.cfg.BodyMaxBytes); err != nil {
		return err
	}

	spec.BodyType = strings.ToLower(strings.TrimSpace(spec.BodyType))
	if spec.BodyType == "" {
		spec.BodyType = models.BodyTypeHTML
	}
	if spec.BodyType != models.BodyTypeText && spec.BodyType != models.BodyTypeHTML {
		return fmt.Errorf("unsupported body type %q", spec.BodyType)
	}

	total := 0
	for i, att := range spec.Attachments {
		if strings.TrimSpace(att.Filename) == "" {
			return fmt.Errorf("attachment[%d]: filename is required", i)
		}
		total += len(att.Content)
	}
	return util.EnsureMaxBytes("attachments", total, v.cfg.AttachmentMaxBytes)
}

func (v *Validator) validateWhatsApp(spec *models.MessageSpec) error {
	if strings.TrimSpace(spec.From) != "" {
		from, err := util.NormalizeE164(spec.From)
		if err != nil {
			return fmt.Errorf("from: %w", err)
		}
		spec.From = from
	}
	if len(spec.Attachments) > 0 || len(spec.CC) > 0 || len(spec.BCC) > 0 {
		return errors.New("attachments and copy recipients are email only")
	}

	if spec.ContentSID != "" {
		sid, err := util.ValidateContentSID(spec.ContentSID)
		if err != nil {
			return err
		}
		spec.ContentSID = sid
	} else if strings.TrimSpace(spec.Body) == "" {
		return errors.New("body or content_sid is required")
	}
	if err := util.EnsureMaxBytes("body", len(spec.Body), v.cfg.WABodyMax); err != nil {
		return err
	}

	spec.BodyType = strings.ToLower(strings.TrimSpace(spec.BodyType))
	switch spec.BodyType {
	case "":
		spec.BodyType = models.BodyTypeText
	case models.BodyTypeText:
	case models.BodyTypeMedia:
		if _, err := util.ValidateHTTPURL(spec.Body); err != nil {
			return fmt.Errorf("media body: %w", err)
		}
	default:
		return fmt.Errorf("unsupported body type %q", spec.BodyType)
	}

	if spec.StatusCallback != "" {
		cb, err := util.ValidateHTTPURL(spec.StatusCallback)
		if err != nil {
			return fmt.Errorf("status_callback: %w", err)
		}
		spec.StatusCallback = cb
	}
	return nil
}
