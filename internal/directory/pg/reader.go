package pg

import (
	"context"
	"fmt"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
)

const userColumns = `id, email, display_name, first_name, last_name, COALESCE(club_id, ''),
	COALESCE(team_id, ''), role, providers, has_password, COALESCE(identity_uid, ''),
	COALESCE(referral_code, ''), created_at, updated_at`

const codeColumns = `code, club_id, role, max_uses, uses_count, active, COALESCE(team_id, ''),
	COALESCE(email, ''), COALESCE(created_by, ''), created_at, expires_at, version`

type reader struct {
	q querier
}

func scanUser(scan func(dest ...any) error) (*directory.User, error) {
	u := &directory.User{}
	var r string
	err := scan(&u.ID, &u.Email, &u.DisplayName, &u.FirstName, &u.LastName, &u.ClubID,
		&u.TeamID, &r, &u.Providers, &u.HasPassword, &u.IdentityUID,
		&u.ReferralCode, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = role.Role(r)
	if u.Providers == nil {
		u.Providers = []string{}
	}
	return u, nil
}

func scanCode(scan func(dest ...any) error) (*directory.ReferralCode, error) {
	c := &directory.ReferralCode{}
	var r string
	err := scan(&c.Code, &c.ClubID, &r, &c.MaxUses, &c.UsesCount, &c.Active, &c.TeamID,
		&c.Email, &c.CreatedBy, &c.CreatedAt, &c.ExpiresAt, &c.Version)
	if err != nil {
		return nil, err
	}
	c.Role = role.Role(r)
	return c, nil
}

func (r reader) GetUser(ctx context.Context, id string) (*directory.User, error) {
	u, err := scanUser(func(dest ...any) error {
		return r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting user by id: %w", classify(err))
	}
	return u, nil
}

func (r reader) GetUserByEmail(ctx context.Context, email string) (*directory.User, error) {
	u, err := scanUser(func(dest ...any) error {
		return r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting user by email: %w", classify(err))
	}
	return u, nil
}

func (r reader) GetReferralCode(ctx context.Context, code string) (*directory.ReferralCode, error) {
	c, err := scanCode(func(dest ...any) error {
		return r.q.QueryRow(ctx, `SELECT `+codeColumns+` FROM referral_codes WHERE code = $1`, code).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("getting referral code: %w", classify(err))
	}
	return c, nil
}

func (r reader) GetClub(ctx context.Context, id string) (*directory.Club, error) {
	c := &directory.Club{}
	err := r.q.QueryRow(ctx,
		`SELECT id, name, admin_ids, created_at, updated_at FROM sports_clubs WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.AdminIDs, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("getting club: %w", classify(err))
	}
	return c, nil
}

func (r reader) ListSubscriptions(ctx context.Context, clubID string) ([]directory.Subscription, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id, club_id, type, status, max_seats, updated_at
		 FROM subscriptions WHERE club_id = $1 ORDER BY id`, clubID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", classify(err))
	}
	defer rows.Close()

	var out []directory.Subscription
	for rows.Next() {
		var s directory.Subscription
		var typ, status string
		if err := rows.Scan(&s.ID, &s.ClubID, &typ, &status, &s.MaxSeats, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription row: %w", err)
		}
		s.Type = directory.SubscriptionType(typ)
		s.Status = directory.SubscriptionStatus(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", classify(err))
	}
	return out, nil
}

func (r reader) CountUsers(ctx context.Context, clubID string, roles []role.Role) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT count(*) FROM users WHERE club_id = $1 AND role = ANY($2)`,
		clubID, roleStrings(roles),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting users: %w", classify(err))
	}
	return n, nil
}

func (r reader) ListReferralCodes(ctx context.Context, clubID string) ([]directory.ReferralCode, error) {
	rows, err := r.q.Query(ctx,
		`SELECT `+codeColumns+` FROM referral_codes WHERE club_id = $1 ORDER BY code`, clubID)
	if err != nil {
		return nil, fmt.Errorf("listing referral codes: %w", classify(err))
	}
	defer rows.Close()

	var out []directory.ReferralCode
	for rows.Next() {
		c, err := scanCode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning referral code row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing referral codes: %w", classify(err))
	}
	return out, nil
}
