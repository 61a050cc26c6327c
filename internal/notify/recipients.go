package notify

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/model"
)

// resolveAddresses turns a recipient list into lowercased, de-duplicated email addresses.
// Recipients that cannot be resolved are dropped.
func (d *Dispatcher) resolveAddresses(ctx context.Context, activity *model.Activity, recipients model.RecipientList) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, r := range recipients {
		var addr string
		switch r := r.(type) {
		case model.OwnerRecipient:
			addr = d.resolveOwner(ctx, activity)
		case model.OwnersManagerRecipient:
			addr = d.resolveOwnersManager(ctx, activity)
		case model.PodManagerRecipient:
			addr = d.resolvePodManager(ctx, activity)
		case model.UserRecipient:
			addr = d.userEmail(ctx, r.UserID)
		case model.EmailRecipient:
			addr = r.Address
		}

		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			d.logger.Debug("Recipient not resolvable", zap.String("recipient", r.String()))
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func (d *Dispatcher) resolveOwner(ctx context.Context, activity *model.Activity) string {
	if activity == nil {
		return ""
	}
	return d.userEmail(ctx, activity.OwnerID)
}

func (d *Dispatcher) resolveOwnersManager(ctx context.Context, activity *model.Activity) string {
	if activity == nil || activity.OwnerID == "" {
		return ""
	}
	owner, err := d.directory.User(ctx, activity.OwnerID)
	if err != nil {
		d.logLookupError("owner", activity.OwnerID, err)
		return ""
	}
	return d.userEmail(ctx, owner.ManagerID)
}

func (d *Dispatcher) resolvePodManager(ctx context.Context, activity *model.Activity) string {
	if activity == nil || activity.PodID == "" {
		return ""
	}
	pod, err := d.directory.Pod(ctx, activity.PodID)
	if err != nil {
		d.logLookupError("pod", activity.PodID, err)
		return ""
	}
	return d.userEmail(ctx, pod.ManagerID)
}

func (d *Dispatcher) userEmail(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	user, err := d.directory.User(ctx, userID)
	if err != nil {
		d.logLookupError("user", userID, err)
		return ""
	}
	return user.Email
}

func (d *Dispatcher) logLookupError(kind, id string, err error) {
	if model.IsNotFound(err) {
		d.logger.Debug("Directory entry not found", zap.String("kind", kind), zap.String("id", id))
		return
	}
	d.logger.Warn("Directory lookup failed", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
}
