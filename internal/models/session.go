package models

import "time"

// Session statuses.
const (
	SessionInProgress = "in_progress"
	SessionCompleted  = "completed"
	SessionCancelled  = "cancelled"
)

// Delivery log statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// DispatchSession is the durable record of one bulk run.
type DispatchSession struct {
	ID              int64      `json:"id"`
	Channel         string     `json:"channel"`
	SessionName     string     `json:"session_name,omitempty"`
	ListID          *int64     `json:"list_id,omitempty"`
	ListName        string     `json:"list_name,omitempty"`
	TemplateID      *int64     `json:"template_id,omitempty"`
	TemplateName    string     `json:"template_name,omitempty"`
	Subject         string     `json:"subject"`
	FromAddress     string     `json:"from_address"`
	TotalContacts   int        `json:"total_contacts"`
	SuccessfulSends int        `json:"successful_sends"`
	FailedSends     int        `json:"failed_sends"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Status          string     `json:"status"`
}

// SessionUpdate carries a partial update; nil fields are left untouched.
type SessionUpdate struct {
	SuccessfulSends *int
	FailedSends     *int
	Status          *string
	CompletedAt     *time.Time
}

// IsEmpty reports whether the update changes nothing.
func (u SessionUpdate) IsEmpty() bool {
	return u.SuccessfulSends == nil && u.FailedSends == nil && u.Status == nil && u.CompletedAt == nil
}

// DeliveryLogEntry is the terminal outcome for one recipient within a session.
// Contact fields are snapshots taken at send time.
type DeliveryLogEntry struct {
	ID           int64     `json:"id"`
	SessionID    int64     `json:"session_id"`
	ContactID    int64     `json:"contact_id"`
	ContactName  string    `json:"contact_name"`
	ContactAddr  string    `json:"contact_address"`
	Subject      string    `json:"subject"`
	TemplateID   *int64    `json:"template_id,omitempty"`
	TemplateName string    `json:"template_name,omitempty"`
	FromAddress  string    `json:"from_address"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	ProviderID   string    `json:"provider_id,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// ContactLogEntry is a delivery log entry joined with its session.
type ContactLogEntry struct {
	DeliveryLogEntry
	SessionName      string     `json:"session_name,omitempty"`
	SessionStartedAt *time.Time `json:"session_started_at,omitempty"`
}

// ContactStats aggregates the delivery history of one contact.
type ContactStats struct {
	TotalSent  int `json:"total_sent"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}
