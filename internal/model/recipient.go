package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RecipientKind identifies a recipient variant
type RecipientKind string

const (
	RecipientOwner         RecipientKind = "owner"
	RecipientOwnersManager RecipientKind = "owners_manager"
	RecipientPodManager    RecipientKind = "pod_manager"
	RecipientUser          RecipientKind = "user"
	RecipientEmail         RecipientKind = "email"
)

// Recipient is an abstract notification target. The set of implementations is closed:
// OwnerRecipient, OwnersManagerRecipient, PodManagerRecipient, UserRecipient and EmailRecipient.
type Recipient interface {
	Kind() RecipientKind
	String() string
	isRecipient()
}

// OwnerRecipient targets the owner of the tracked activity
type OwnerRecipient struct{}

// OwnersManagerRecipient targets the manager of the activity owner
type OwnersManagerRecipient struct{}

// PodManagerRecipient targets the manager of the activity's pod
type PodManagerRecipient struct{}

// UserRecipient targets a specific directory user
type UserRecipient struct {
	UserID string
}

// EmailRecipient is a literal address
type EmailRecipient struct {
	Address string
}

func (OwnerRecipient) Kind() RecipientKind         { return RecipientOwner }
func (OwnersManagerRecipient) Kind() RecipientKind { return RecipientOwnersManager }
func (PodManagerRecipient) Kind() RecipientKind    { return RecipientPodManager }
func (UserRecipient) Kind() RecipientKind          { return RecipientUser }
func (EmailRecipient) Kind() RecipientKind         { return RecipientEmail }

func (OwnerRecipient) String() string         { return string(RecipientOwner) }
func (OwnersManagerRecipient) String() string { return string(RecipientOwnersManager) }
func (PodManagerRecipient) String() string    { return string(RecipientPodManager) }
func (r UserRecipient) String() string        { return "user:" + r.UserID }
func (r EmailRecipient) String() string       { return r.Address }

func (OwnerRecipient) isRecipient()         {}
func (OwnersManagerRecipient) isRecipient() {}
func (PodManagerRecipient) isRecipient()    {}
func (UserRecipient) isRecipient()          {}
func (EmailRecipient) isRecipient()         {}

// ParseRecipient parses the text form used in configuration and JSON:
// "owner", "owners_manager", "pod_manager", "user:<id>" or a literal email address.
func ParseRecipient(s string) (Recipient, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == string(RecipientOwner):
		return OwnerRecipient{}, nil
	case s == string(RecipientOwnersManager):
		return OwnersManagerRecipient{}, nil
	case s == string(RecipientPodManager):
		return PodManagerRecipient{}, nil
	case strings.HasPrefix(s, "user:"):
		id := strings.TrimSpace(strings.TrimPrefix(s, "user:"))
		if id == "" {
			return nil, fmt.Errorf("empty user id in recipient %q", s)
		}
		return UserRecipient{UserID: id}, nil
	case strings.Contains(s, "@"):
		return EmailRecipient{Address: s}, nil
	default:
		return nil, fmt.Errorf("unknown recipient %q", s)
	}
}

// RecipientList is an ordered list of recipients serialized in text form
type RecipientList []Recipient

// MarshalJSON implements json.Marshaler
func (l RecipientList) MarshalJSON() ([]byte, error) {
	out := make([]string, 0, len(l))
	for _, r := range l {
		out = append(out, r.String())
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (l *RecipientList) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	list := make(RecipientList, 0, len(raw))
	for _, s := range raw {
		r, err := ParseRecipient(s)
		if err != nil {
			return err
		}
		list = append(list, r)
	}
	*l = list
	return nil
}
