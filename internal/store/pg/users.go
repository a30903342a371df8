package pg

import (
	"context"
	"database/sql"
	"errors"

	"avantemaps.app/internal/identity"
)

var _ identity.Directory = (*Store)(nil)

// SubscriptionTier looks up the stored tier for a user. Unknown users get
// the base tier, matching the in-memory directory.
func (s *Store) SubscriptionTier(ctx context.Context, uid string) (identity.Tier, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `select tier from users where uid = $1`, uid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.TierIndividual, nil
	}
	if err != nil {
		return identity.TierIndividual, err
	}
	return identity.ParseTier(raw)
}

// UpsertUser mirrors select session fields into the users table. Access
// tokens are deliberately not stored server-side.
func (s *Store) UpsertUser(ctx context.Context, id *identity.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (uid, username, wallet_address, tier, last_authenticated, created_at, updated_at)
		values ($1, $2, nullif($3,''), $4, $5, now(), now())
		on conflict (uid) do update
		set username = excluded.username,
		    wallet_address = coalesce(excluded.wallet_address, users.wallet_address),
		    tier = excluded.tier,
		    last_authenticated = greatest(users.last_authenticated, excluded.last_authenticated),
		    updated_at = now()
	`, id.UID, id.Username, id.WalletAddress, id.Tier.String(), id.LastAuthenticated)
	return err
}
