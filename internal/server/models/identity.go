package models

// UserIdentity is the subset of the platform's user record the token
// subsystem needs. Identity lifecycle is owned by the user service; token
// records hold only a weak reference via SubjectID.
type UserIdentity struct {
	ID       string
	UserName string
	Active   bool
}
