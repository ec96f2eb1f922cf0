package votes

// Identity is either anonymous or a resolved user reference.
type Identity struct {
	userRef UserRef
}

// Anonymous returns the identity of an unauthenticated caller.
func Anonymous() Identity {
	return Identity{}
}

// UserIdentity wraps a validated user reference.
func UserIdentity(ref UserRef) Identity {
	return Identity{userRef: ref}
}

// UserRef returns the user reference and whether the identity is a user.
func (i Identity) UserRef() (UserRef, bool) {
	return i.userRef, i.userRef != ""
}

// IsAnonymous reports whether no user reference is attached.
func (i Identity) IsAnonymous() bool {
	return i.userRef == ""
}
