package model

import "time"

// Status represents the state of an SLA instance
type Status string

const (
	StatusActive   Status = "active"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusBreached Status = "breached"
	StatusMet      Status = "met"
	StatusPaused   Status = "paused"
)

// ActiveStatuses are the statuses polled by a reconciliation pass
var ActiveStatuses = []Status{StatusActive, StatusWarning, StatusCritical}

// Rank orders the escalating statuses. Terminal and paused statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusBreached:
		return 3
	default:
		return 0
	}
}

// IsActive reports whether instances in this status are still tracked
func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// EntityTypeActivity is the only entity type SLA definitions currently target
const EntityTypeActivity = "activity"

// EscalationLevel is one rung of a definition's escalation ladder
type EscalationLevel struct {
	Level             int           `json:"level"`
	Name              string        `json:"name"`
	TriggerPercentage float64       `json:"trigger_percentage"`
	Recipients        RecipientList `json:"recipients,omitempty"`
	ChatChannel       string        `json:"chat_channel,omitempty"`
	ShowBanner        bool          `json:"show_banner,omitempty"`
	HighlightRecord   bool          `json:"highlight_record,omitempty"`
}

// Definition is a configured SLA rule template
type Definition struct {
	ID         int64  `json:"id"`
	OrgID      string `json:"org_id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	EntityType string `json:"entity_type"`

	// Applicability filters; empty matches any value
	ActivityType string `json:"activity_type,omitempty"`
	Category     string `json:"category,omitempty"`
	Priority     string `json:"priority,omitempty"`

	// Offsets from the instance start
	TargetHours   float64  `json:"target_hours"`
	WarningHours  *float64 `json:"warning_hours,omitempty"`
	CriticalHours *float64 `json:"critical_hours,omitempty"`

	UseBusinessHours   bool     `json:"use_business_hours"`
	BusinessHoursStart string   `json:"business_hours_start,omitempty"`
	BusinessHoursEnd   string   `json:"business_hours_end,omitempty"`
	Holidays           []string `json:"holidays,omitempty"`

	EscalationLevels []EscalationLevel `json:"escalation_levels,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Instance is one running SLA clock for a tracked activity
type Instance struct {
	ID           string `json:"id"`
	OrgID        string `json:"org_id"`
	DefinitionID int64  `json:"definition_id"`
	ActivityID   string `json:"activity_id"`

	// Frozen at creation
	StartTime    time.Time  `json:"start_time"`
	TargetTime   time.Time  `json:"target_time"`
	WarningTime  *time.Time `json:"warning_time,omitempty"`
	CriticalTime *time.Time `json:"critical_time,omitempty"`

	Status           Status     `json:"status"`
	CurrentLevel     int        `json:"current_level"`
	IsBreached       bool       `json:"is_breached"`
	BreachedAt       *time.Time `json:"breached_at,omitempty"`
	BreachDuration   *int64     `json:"breach_duration,omitempty"` // minutes past target
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	PausedAt         *time.Time `json:"paused_at,omitempty"`
	EscalationSent   bool       `json:"escalation_sent"`
	EscalationSentAt *time.Time `json:"escalation_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InstancePatch carries optional field changes applied together with a status update.
// Nil fields are left untouched.
type InstancePatch struct {
	CurrentLevel     *int
	BreachedAt       *time.Time
	BreachDuration   *int64
	CompletedAt      *time.Time
	PausedAt         *time.Time
	ClearPausedAt    bool
	EscalationSent   *bool
	EscalationSentAt *time.Time
}

// NotificationChannel names a delivery channel for escalation notices
type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "email"
	ChannelChat  NotificationChannel = "chat"
)

// NotificationRecord is the idempotency fact for one delivered escalation notice
type NotificationRecord struct {
	ID         string              `json:"id"`
	InstanceID string              `json:"instance_id"`
	Level      int                 `json:"level"`
	Channel    NotificationChannel `json:"channel"`
	SentAt     time.Time           `json:"sent_at"`
}

// BusinessHoursConfig describes an organization's working calendar
type BusinessHoursConfig struct {
	Start    string         `json:"start" yaml:"start"`
	End      string         `json:"end" yaml:"end"`
	Timezone string         `json:"timezone" yaml:"timezone"`
	Holidays []string       `json:"holidays,omitempty" yaml:"holidays"`
	Workdays []time.Weekday `json:"workdays,omitempty" yaml:"workdays"`
}
