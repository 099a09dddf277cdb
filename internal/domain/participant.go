package domain

import "context"

// Role is the account type of a participant.
type Role string

const (
	RoleCandidate Role = "candidate"
	RoleCompany   Role = "company"
	RoleAdmin     Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCandidate, RoleCompany, RoleAdmin:
		return true
	}
	return false
}

// Participant is an immutable identity record, one per user account.
type Participant struct {
	ID          string `json:"id" yaml:"id"`
	DisplayName string `json:"display_name" yaml:"displayName"`
	Role        Role   `json:"role" yaml:"role"`
}

// Identity is the current viewer as supplied by the authentication collaborator.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IdentityProvider resolves who the current viewer is. The core trusts the
// result as given.
type IdentityProvider interface {
	CurrentViewer(ctx context.Context) (Identity, error)
}

// ParticipantLookup resolves participant records by id.
type ParticipantLookup interface {
	Participant(id string) (Participant, bool)
}

// SubjectResolver turns an opaque ContextBinding into a human-readable
// summary. Implemented by the job/application subsystem.
type SubjectResolver interface {
	Summarize(ctx context.Context, b ContextBinding) (string, error)
}
