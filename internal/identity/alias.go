package identity

import "context"

// AliasStore is the subset of internal/store.Repository that alias
// resolution needs, kept narrow so this package doesn't import store
// (which would create an import cycle: store has no reason to know
// about identity).
type AliasStore interface {
	GetAliasByGuestHandle(ctx context.Context, guestHandle string) (login string, identityID int64, ok bool, err error)
	PutAlias(ctx context.Context, login, guestHandle string, identityID int64) error
}

// Resolve implements the §9 "Username resolution" rule: resolving a
// handle is idempotent and, once a guest has upgraded to an
// identity-provider login, always yields that login so manual
// connections made under the old guest handle keep working.
//
// createAlias persists {guestUsername -> githubUsername, githubId} once,
// when a prior guest session upgrades to identity-provider auth (the
// createAlias frame in §6).
func Resolve(ctx context.Context, store AliasStore, handle string) (string, error) {
	login, _, ok, err := store.GetAliasByGuestHandle(ctx, handle)
	if err != nil {
		return "", err
	}
	if ok {
		return login, nil
	}
	return handle, nil
}
