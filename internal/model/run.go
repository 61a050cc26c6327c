package model

import "time"

// RunAudit records the outcome of one reconciliation pass
type RunAudit struct {
	ID                string    `json:"id"`
	RanAt             time.Time `json:"ran_at"`
	RulesChecked      int       `json:"rules_checked"`
	InstancesUpdated  int       `json:"instances_updated"`
	NotificationsSent int       `json:"notifications_sent"`
	Errors            []string  `json:"errors"`
	DurationMs        int64     `json:"duration_ms"`
}
