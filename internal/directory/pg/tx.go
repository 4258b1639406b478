package pg

import (
	"context"
	"fmt"

	"github.com/alecgard/clubpass/internal/directory"
)

type txn struct {
	reader
	q querier
}

func (t *txn) InsertReferralCode(ctx context.Context, c *directory.ReferralCode) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO referral_codes
		   (code, club_id, role, max_uses, uses_count, active, team_id, email, created_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10)
		 RETURNING created_at, version`,
		c.Code, c.ClubID, string(c.Role), c.MaxUses, c.UsesCount, c.Active,
		c.TeamID, c.Email, c.CreatedBy, c.ExpiresAt,
	).Scan(&c.CreatedAt, &c.Version)
	if err != nil {
		return fmt.Errorf("inserting referral code: %w", classify(err))
	}
	return nil
}

// PutReferralCode is a compare-and-swap on the version column.
func (t *txn) PutReferralCode(ctx context.Context, c *directory.ReferralCode) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE referral_codes
		 SET uses_count = $2, max_uses = $3, active = $4, expires_at = $5, version = version + 1
		 WHERE code = $1 AND version = $6`,
		c.Code, c.UsesCount, c.MaxUses, c.Active, c.ExpiresAt, c.Version)
	if err != nil {
		return fmt.Errorf("updating referral code: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating referral code %s at version %d: %w", c.Code, c.Version, directory.ErrConflict)
	}
	c.Version++
	return nil
}

func (t *txn) CreateUser(ctx context.Context, u *directory.User) error {
	if u.Providers == nil {
		u.Providers = []string{}
	}
	err := t.q.QueryRow(ctx,
		`INSERT INTO users
		   (id, email, display_name, first_name, last_name, club_id, team_id, role,
		    providers, has_password, identity_uid, referral_code)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''))
		 RETURNING created_at, updated_at`,
		u.ID, u.Email, u.DisplayName, u.FirstName, u.LastName, u.ClubID, u.TeamID, string(u.Role),
		u.Providers, u.HasPassword, u.IdentityUID, u.ReferralCode,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating user: %w", classify(err))
	}
	return nil
}

func (t *txn) UpdateUser(ctx context.Context, u *directory.User) error {
	err := t.q.QueryRow(ctx,
		`UPDATE users SET
		   email = $2, display_name = $3, first_name = $4, last_name = $5,
		   club_id = NULLIF($6, ''), team_id = NULLIF($7, ''), role = $8, providers = $9,
		   has_password = $10, identity_uid = NULLIF($11, ''), updated_at = now()
		 WHERE id = $1
		 RETURNING updated_at`,
		u.ID, u.Email, u.DisplayName, u.FirstName, u.LastName, u.ClubID, u.TeamID, string(u.Role),
		u.Providers, u.HasPassword, u.IdentityUID,
	).Scan(&u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating user: %w", classify(err))
	}
	return nil
}

func (t *txn) AddClubAdmin(ctx context.Context, clubID, userID string) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE sports_clubs
		 SET admin_ids = array_append(admin_ids, $2), updated_at = now()
		 WHERE id = $1 AND NOT ($2 = ANY(admin_ids))`, clubID, userID)
	if err != nil {
		return fmt.Errorf("adding club admin: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		// Either already an admin or the club is missing.
		if _, err := t.GetClub(ctx, clubID); err != nil {
			return fmt.Errorf("adding club admin: %w", err)
		}
	}
	return nil
}

func (t *txn) CreateClub(ctx context.Context, c *directory.Club) error {
	if c.AdminIDs == nil {
		c.AdminIDs = []string{}
	}
	err := t.q.QueryRow(ctx,
		`INSERT INTO sports_clubs (id, name, admin_ids) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		c.ID, c.Name, c.AdminIDs,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating club: %w", classify(err))
	}
	return nil
}

func (t *txn) PutSubscription(ctx context.Context, s *directory.Subscription) error {
	err := t.q.QueryRow(ctx,
		`INSERT INTO subscriptions (id, club_id, type, status, max_seats)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		   SET type = EXCLUDED.type, status = EXCLUDED.status,
		       max_seats = EXCLUDED.max_seats, updated_at = now()
		 RETURNING updated_at`,
		s.ID, s.ClubID, string(s.Type), string(s.Status), s.MaxSeats,
	).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("writing subscription: %w", classify(err))
	}
	return nil
}
