package auth

// Authorizer is the allow-list handed to the API shell. Request identity is
// validated upstream; this only gates which user ids may reach the core.
type Authorizer struct {
	allowedIDs map[int64]bool
	adminIDs   map[int64]bool
}

func NewAuthorizer(ids []int64, admins []int64) *Authorizer {
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	adminMap := make(map[int64]bool, len(admins))
	for _, id := range admins {
		adminMap[id] = true
	}
	return &Authorizer{allowedIDs: allowed, adminIDs: adminMap}
}

// IsAuthorized reports whether the user is on the allow-list. An empty
// allow-list admits everyone.
func (a *Authorizer) IsAuthorized(userID int64) bool {
	if len(a.allowedIDs) == 0 {
		return true
	}
	return a.allowedIDs[userID]
}

func (a *Authorizer) IsAdmin(userID int64) bool {
	return a.adminIDs[userID]
}

func (a *Authorizer) IsAllowed(userID int64) bool {
	return a.IsAuthorized(userID) || a.IsAdmin(userID)
}
