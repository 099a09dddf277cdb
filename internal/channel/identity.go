package channel

import (
	"context"
	"strings"

	"jobchat/internal/domain"
)

// HeaderViewer carries the caller's participant id on API and WebSocket
// requests. The upstream authentication layer sets it.
const HeaderViewer = "X-Viewer-ID"

type viewerKey struct{}

// WithViewerID returns ctx carrying the claimed viewer id.
func WithViewerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, viewerKey{}, strings.TrimSpace(id))
}

// DirectoryIdentity implements domain.IdentityProvider by resolving the
// viewer id carried on ctx against the participant directory. The claim
// itself is trusted as given.
type DirectoryIdentity struct {
	Participants domain.ParticipantLookup
}

var _ domain.IdentityProvider = DirectoryIdentity{}

func (d DirectoryIdentity) CurrentViewer(ctx context.Context) (domain.Identity, error) {
	id, _ := ctx.Value(viewerKey{}).(string)
	if id == "" {
		return domain.Identity{}, &domain.ValidationError{Field: "viewer", Reason: "missing " + HeaderViewer}
	}
	p, ok := d.Participants.Participant(id)
	if !ok {
		return domain.Identity{}, &domain.NotFoundError{Kind: "participant", ID: id}
	}
	return domain.Identity{ID: p.ID, Role: p.Role}, nil
}
