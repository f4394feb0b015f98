package models

import (
	"strings"
)

// Supported delivery channels.
const (
	ChannelEmail    = "email"
	ChannelWhatsApp = "whatsapp"
)

// Body types understood by the providers.
const (
	BodyTypeText  = "text"
	BodyTypeHTML  = "html"
	BodyTypeMedia = "media"
)

// Recipient is a single addressee resolved from the contact source. Address is
// an email address or an E.164 phone number depending on the channel.
type Recipient struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Attachment is a file sent alongside an email.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content"`
}

// MessageSpec is the per-run message description shared by every recipient.
type MessageSpec struct {
	Channel      string       `json:"channel"`
	From         string       `json:"from,omitempty"`
	FromName     string       `json:"from_name,omitempty"`
	CC           []string     `json:"cc,omitempty"`
	BCC          []string     `json:"bcc,omitempty"`
	Subject      string       `json:"subject,omitempty"`
	BodyType     string       `json:"body_type,omitempty"`
	Body         string       `json:"body,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	TemplateID   *int64       `json:"template_id,omitempty"`
	TemplateName string       `json:"template_name,omitempty"`

	// WhatsApp structured templates.
	ContentSID       string            `json:"content_sid,omitempty"`
	ContentVariables map[string]string `json:"content_variables,omitempty"`
	StatusCallback   string            `json:"status_callback,omitempty"`
}

// Message is a MessageSpec rendered for exactly one recipient. It is the unit
// handed to the transport.
type Message struct {
	MessageID   string
	Channel     string
	From        string
	FromName    string
	To          string
	ToName      string
	CC          []string
	BCC         []string
	Subject     string
	BodyType    string
	Body        string
	Attachments []Attachment
	Headers     map[string]string

	ContentSID       string
	ContentVariables map[string]string
	StatusCallback   string
}

// Render produces the per-recipient message. Only the address and display
// name change between recipients; subject and body are sent as given. Content
// variable values may reference {{name}} and {{address}}.
func (s MessageSpec) Render(r Recipient, messageID string) *Message {
	msg := &Message{
		MessageID:        messageID,
		Channel:          s.Channel,
		From:             s.From,
		FromName:         s.FromName,
		To:               strings.TrimSpace(r.Address),
		ToName:           strings.TrimSpace(r.Name),
		CC:               append([]string(nil), s.CC...),
		BCC:              append([]string(nil), s.BCC...),
		Subject:          s.Subject,
		BodyType:         s.BodyType,
		Body:             s.Body,
		Attachments:      s.Attachments,
		ContentSID:       s.ContentSID,
		StatusCallback:   s.StatusCallback,
		ContentVariables: nil,
	}
	if len(s.ContentVariables) > 0 {
		replacer := strings.NewReplacer("{{name}}", msg.ToName, "{{address}}", msg.To)
		msg.ContentVariables = make(map[string]string, len(s.ContentVariables))
		for k, v := range s.ContentVariables {
			msg.ContentVariables[k] = replacer.Replace(v)
		}
	}
	return msg
}

// Summary returns the text recorded as the session and log subject. WhatsApp
// messages have no subject, so the template reference or the leading part of
// the body is used instead.
func (s MessageSpec) Summary() string {
	if strings.TrimSpace(s.Subject) != "" {
		return s.Subject
	}
	if s.ContentSID != "" {
		return "template " + s.ContentSID
	}
	body := []rune(strings.TrimSpace(s.Body))
	if len(body) > 80 {
		return string(body[:80]) + "..."
	}
	return string(body)
}
