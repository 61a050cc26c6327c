// Package escalation derives SLA status and escalation levels from elapsed time.
package escalation

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/t77yq/sla-tracker/internal/model"
)

// CheckResult is a point-in-time evaluation of an instance
type CheckResult struct {
	Status           model.Status `json:"status"`
	RemainingMinutes int64        `json:"remaining_minutes"`
	// PercentComplete is rounded but not clamped; it exceeds 100 once the target has passed.
	PercentComplete   float64 `json:"percent_complete"`
	WarningTriggered  bool    `json:"warning_triggered"`
	CriticalTriggered bool    `json:"critical_triggered"`
	Breached          bool    `json:"breached"`
}

// Check evaluates inst against its frozen deadlines at now
func Check(inst *model.Instance, now time.Time) CheckResult {
	res := CheckResult{
		RemainingMinutes: int64(math.Round(inst.TargetTime.Sub(now).Minutes())),
	}

	window := inst.TargetTime.Sub(inst.StartTime)
	switch {
	case window > 0:
		res.PercentComplete = math.Round(float64(now.Sub(inst.StartTime)) / float64(window) * 100)
	case !now.Before(inst.TargetTime):
		res.PercentComplete = 100
	}

	res.Breached = now.After(inst.TargetTime)
	res.CriticalTriggered = inst.CriticalTime != nil && now.After(*inst.CriticalTime)
	res.WarningTriggered = inst.WarningTime != nil && now.After(*inst.WarningTime)

	switch {
	case res.Breached:
		res.Status = model.StatusBreached
	case res.CriticalTriggered:
		res.Status = model.StatusCritical
	case res.WarningTriggered:
		res.Status = model.StatusWarning
	default:
		res.Status = model.StatusActive
	}
	return res
}

// ResolveLevel returns the highest level whose trigger has been reached, provided it is above currentLevel
func ResolveLevel(levels []model.EscalationLevel, percent float64, currentLevel int) (model.EscalationLevel, bool) {
	var (
		best  model.EscalationLevel
		found bool
	)
	for _, l := range levels {
		if l.TriggerPercentage > percent {
			continue
		}
		if !found || l.Level > best.Level {
			best, found = l, true
		}
	}
	if !found || best.Level <= currentLevel {
		return model.EscalationLevel{}, false
	}
	return best, true
}

// BreachLevel returns the level announced when the target passes: the highest level reached
// at percent, never less than 100, so later levels keep waiting for their own trigger
func BreachLevel(levels []model.EscalationLevel, percent float64, currentLevel int) (model.EscalationLevel, bool) {
	return ResolveLevel(levels, math.Max(percent, 100), currentLevel)
}

// LevelStatus maps a ladder level to the instance status it implies
func LevelStatus(l model.EscalationLevel) model.Status {
	name := normalizeName(l.Name)
	switch {
	case strings.Contains(name, "breach") || l.TriggerPercentage >= 100:
		return model.StatusBreached
	case strings.Contains(name, "critical"):
		return model.StatusCritical
	default:
		return model.StatusWarning
	}
}

// LevelForStatus picks the ladder level announcing status, falling back to the
// highest level that maps to it
func LevelForStatus(levels []model.EscalationLevel, status model.Status) (model.EscalationLevel, bool) {
	var (
		best  model.EscalationLevel
		found bool
	)
	for _, l := range levels {
		if LevelStatus(l) != status {
			continue
		}
		if !found || l.Level > best.Level {
			best, found = l, true
		}
	}
	return best, found
}

// ImplicitLevels is the ladder used by definitions that configure none: warning, critical
// and breach, each notifying the activity owner
func ImplicitLevels(def *model.Definition) []model.EscalationLevel {
	owner := model.RecipientList{model.OwnerRecipient{}}
	var levels []model.EscalationLevel
	if def.WarningHours != nil && def.TargetHours > 0 {
		levels = append(levels, model.EscalationLevel{
			Level: 1, Name: "warning", TriggerPercentage: *def.WarningHours / def.TargetHours * 100, Recipients: owner,
		})
	}
	if def.CriticalHours != nil && def.TargetHours > 0 {
		levels = append(levels, model.EscalationLevel{
			Level: 2, Name: "critical", TriggerPercentage: *def.CriticalHours / def.TargetHours * 100, Recipients: owner,
		})
	}
	levels = append(levels, model.EscalationLevel{
		Level: 3, Name: "breach", TriggerPercentage: 100, Recipients: owner, HighlightRecord: true,
	})
	return levels
}

// ValidateLevels checks that a ladder is strictly ordered
func ValidateLevels(levels []model.EscalationLevel) error {
	for i, l := range levels {
		if l.Level <= 0 {
			return &model.ConfigurationError{Field: "escalation_levels", Reason: fmt.Sprintf("level %d must be positive", l.Level)}
		}
		if l.TriggerPercentage < 0 {
			return &model.ConfigurationError{
				Field:  "escalation_levels",
				Reason: fmt.Sprintf("level %d has negative trigger %.2f", l.Level, l.TriggerPercentage),
			}
		}
		if i == 0 {
			continue
		}
		prev := levels[i-1]
		if l.Level <= prev.Level {
			return &model.ConfigurationError{
				Field:  "escalation_levels",
				Reason: fmt.Sprintf("level %d does not follow level %d", l.Level, prev.Level),
			}
		}
		if l.TriggerPercentage <= prev.TriggerPercentage {
			return &model.ConfigurationError{
				Field:  "escalation_levels",
				Reason: fmt.Sprintf("level %d trigger %.2f is not above %.2f", l.Level, l.TriggerPercentage, prev.TriggerPercentage),
			}
		}
	}
	return nil
}

// ValidateDefinition checks a definition before it is stored
func ValidateDefinition(def *model.Definition) error {
	if strings.TrimSpace(def.OrgID) == "" {
		return &model.ConfigurationError{Field: "org_id", Reason: "required"}
	}
	if strings.TrimSpace(def.Code) == "" {
		return &model.ConfigurationError{Field: "code", Reason: "required"}
	}
	if def.TargetHours <= 0 {
		return &model.ConfigurationError{Field: "target_hours", Reason: "must be positive"}
	}
	if def.WarningHours != nil && (*def.WarningHours <= 0 || *def.WarningHours > def.TargetHours) {
		return &model.ConfigurationError{Field: "warning_hours", Reason: "must be within (0, target_hours]"}
	}
	if def.CriticalHours != nil && (*def.CriticalHours <= 0 || *def.CriticalHours > def.TargetHours) {
		return &model.ConfigurationError{Field: "critical_hours", Reason: "must be within (0, target_hours]"}
	}
	if def.WarningHours != nil && def.CriticalHours != nil && *def.WarningHours > *def.CriticalHours {
		return &model.ConfigurationError{Field: "warning_hours", Reason: "must not exceed critical_hours"}
	}
	return ValidateLevels(def.EscalationLevels)
}

func normalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
