package domain

type PrincipalID string
type ConnectionID string

type PrincipalKind string

const (
	KindUser      PrincipalKind = "user"
	KindPerformer PrincipalKind = "performer"
	// KindUnknown is reported for registry entries written without a kind.
	KindUnknown PrincipalKind = ""
)

// Principal is an authenticated user or performer. Anonymous participants
// have no Principal and join rooms as guests.
type Principal struct {
	ID    PrincipalID
	Kind  PrincipalKind
	Admin bool
}

func (k PrincipalKind) Valid() bool {
	return k == KindUser || k == KindPerformer
}

// Participant is whoever sent an inbound room event: one transport
// connection plus the principal it resolved to, if any.
type Participant struct {
	ConnectionID ConnectionID
	Principal    *Principal
}

func (p Participant) IsGuest() bool {
	return p.Principal == nil
}

func (p Participant) PrincipalID() PrincipalID {
	if p.Principal == nil {
		return ""
	}
	return p.Principal.ID
}
