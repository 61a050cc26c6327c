package model

import "time"

// Activity is the snapshot of a monitored business record
type Activity struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	Type       string    `json:"type"`
	Category   string    `json:"category,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	OwnerID    string    `json:"owner_id,omitempty"`
	PodID      string    `json:"pod_id,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ActivityCompleted is emitted by the activity source when the underlying work finishes
type ActivityCompleted struct {
	ActivityID  string    `json:"activity_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// ActivityLogEntry is an audit line recorded against the original target entity
type ActivityLogEntry struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Summary    string    `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a directory entry
type User struct {
	ID        string `json:"id" yaml:"id"`
	Email     string `json:"email" yaml:"email"`
	ManagerID string `json:"manager_id,omitempty" yaml:"manager_id"`
}

// Pod is a team grouping in the org directory
type Pod struct {
	ID        string `json:"id" yaml:"id"`
	ManagerID string `json:"manager_id" yaml:"manager_id"`
}
