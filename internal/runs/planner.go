// Package runs turns run requests into dispatch requests: it resolves the
// recipients from the contact store, fills the message from a stored template
// and applies the pacing default.
package runs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zigazaga4/emailer/internal/contacts"
	"github.com/zigazaga4/emailer/internal/dispatch"
	"github.com/zigazaga4/emailer/internal/models"
	"github.com/zigazaga4/emailer/internal/validator"
)

// Contacts is the read side of the contact store used for planning.
type Contacts interface {
	All(ctx context.Context, channel string) ([]models.Recipient, error)
	InList(ctx context.Context, channel string, listID int64) ([]models.Recipient, error)
	List(ctx context.Context, channel string, listID int64) (*contacts.List, error)
	ApplyTemplate(ctx context.Context, spec *models.MessageSpec) error
}

// Validator checks a message once the template has been applied.
type Validator interface {
	Validate(spec *models.MessageSpec) error
}

// Planner builds dispatch requests.
type Planner struct {
	contacts      Contacts
	validator     Validator
	defaultPacing atomic.Int64
	newKey        func() string
}

// NewPlanner constructs a Planner. defaultPacing applies when a request
// carries no pacing of its own.
func NewPlanner(c Contacts, v Validator, defaultPacing time.Duration) *Planner {
	p := &Planner{
		contacts:  c,
		validator: v,
		newKey:    func() string { return uuid.NewString() },
	}
	p.SetDefaultPacing(defaultPacing)
	return p
}

// SetDefaultPacing changes the pacing used by requests planned from now on.
func (p *Planner) SetDefaultPacing(d time.Duration) {
	p.defaultPacing.Store(int64(d))
}

// Plan resolves req into a dispatch request. A missing run key is generated.
func (p *Planner) Plan(ctx context.Context, req *validator.RunRequest) (dispatch.Request, error) {
	spec := req.Message
	if err := p.contacts.ApplyTemplate(ctx, &spec); err != nil {
		return dispatch.Request{}, fmt.Errorf("runs: apply template: %w", err)
	}
	if p.validator != nil {
		if err := p.validator.Validate(&spec); err != nil {
			return dispatch.Request{}, err
		}
	}

	out := dispatch.Request{
		RunKey:      req.RunKey,
		Message:     spec,
		Pacing:      time.Duration(p.defaultPacing.Load()),
		SessionName: req.SessionName,
	}
	if out.RunKey == "" {
		out.RunKey = p.newKey()
	}
	if req.PacingMs != nil {
		out.Pacing = time.Duration(*req.PacingMs) * time.Millisecond
	}

	var err error
	if req.ListID != nil {
		list, lerr := p.contacts.List(ctx, spec.Channel, *req.ListID)
		if lerr != nil {
			return dispatch.Request{}, fmt.Errorf("runs: load list: %w", lerr)
		}
		id := list.ID
		out.ListID = &id
		out.ListName = list.Name
		out.Recipients, err = p.contacts.InList(ctx, spec.Channel, list.ID)
	} else {
		out.Recipients, err = p.contacts.All(ctx, spec.Channel)
	}
	if err != nil {
		return dispatch.Request{}, fmt.Errorf("runs: resolve recipients: %w", err)
	}
	return out, nil
}
