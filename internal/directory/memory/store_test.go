package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/role"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx directory.Tx) error {
		if err := tx.CreateClub(ctx, &directory.Club{ID: "club-1", Name: "Harbour FC"}); err != nil {
			return err
		}
		if err := tx.PutSubscription(ctx, &directory.Subscription{
			ID: "sub-1", ClubID: "club-1", Type: directory.SubscriptionCoachAccount,
			Status: directory.StatusActive, MaxSeats: 3,
		}); err != nil {
			return err
		}
		return tx.InsertReferralCode(ctx, &directory.ReferralCode{
			Code: "AB12CD34", ClubID: "club-1", Role: role.Coach, MaxUses: 1, Active: true,
		})
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
}

func TestCommittedReads(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	c, err := s.GetReferralCode(ctx, "AB12CD34")
	if err != nil {
		t.Fatalf("GetReferralCode: %v", err)
	}
	if c.Version != 1 {
		t.Errorf("expected version 1 after insert, got %d", c.Version)
	}

	subs, err := s.ListSubscriptions(ctx, "club-1")
	if err != nil || len(subs) != 1 {
		t.Fatalf("ListSubscriptions = %v, %v", subs, err)
	}

	if _, err := s.GetUser(ctx, "nope"); !errors.Is(err, directory.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		if err := tx.CreateUser(ctx, &directory.User{ID: "u1", Email: "a@example.com", ClubID: "club-1", Role: role.Coach}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetUserByEmail(ctx, "a@example.com"); !errors.Is(err, directory.ErrNotFound) {
		t.Errorf("user should not be visible after rollback, got %v", err)
	}
}

func TestTransactionSeesOwnWrites(t *testing.T) {
	s := New()
	seed(t, s)

	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx directory.Tx) error {
		if err := tx.CreateUser(ctx, &directory.User{ID: "u1", Email: "a@example.com", ClubID: "club-1", Role: role.Coach}); err != nil {
			return err
		}
		n, err := tx.CountUsers(ctx, "club-1", []role.Role{role.Coach})
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("expected staged user to be counted, got %d", n)
		}
		if _, err := tx.GetUserByEmail(ctx, "a@example.com"); err != nil {
			t.Errorf("staged user not visible: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
}

func TestDuplicateEmail(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	create := func(id string) error {
		return s.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
			return tx.CreateUser(ctx, &directory.User{ID: id, Email: "dup@example.com", ClubID: "club-1", Role: role.Coach})
		})
	}
	if err := create("u1"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := create("u2"); !errors.Is(err, directory.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestStaleWriteIsRetried(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	attempts := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		attempts++
		c, err := tx.GetReferralCode(ctx, "AB12CD34")
		if err != nil {
			return err
		}
		if attempts == 1 {
			// Another writer commits between our read and our commit.
			if err := s.RunTransaction(ctx, func(ctx context.Context, other directory.Tx) error {
				oc, err := other.GetReferralCode(ctx, "AB12CD34")
				if err != nil {
					return err
				}
				oc.MaxUses = 5
				return other.PutReferralCode(ctx, oc)
			}); err != nil {
				t.Fatalf("inner transaction: %v", err)
			}
		}
		c.UsesCount++
		return tx.PutReferralCode(ctx, c)
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}

	c, _ := s.GetReferralCode(ctx, "AB12CD34")
	if c.UsesCount != 1 || c.MaxUses != 5 || c.Version != 3 {
		t.Errorf("unexpected code state: uses=%d max=%d version=%d", c.UsesCount, c.MaxUses, c.Version)
	}
}

func TestConflictAfterMaxAttempts(t *testing.T) {
	s := New(WithMaxAttempts(2))
	seed(t, s)
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		c, err := tx.GetReferralCode(ctx, "AB12CD34")
		if err != nil {
			return err
		}
		if err := s.RunTransaction(ctx, func(ctx context.Context, other directory.Tx) error {
			oc, _ := other.GetReferralCode(ctx, "AB12CD34")
			return other.PutReferralCode(ctx, oc)
		}); err != nil {
			return err
		}
		return tx.PutReferralCode(ctx, c)
	})
	if !errors.Is(err, directory.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestListOrphanedUsers(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		users := []*directory.User{
			{ID: "u1", Email: "member@example.com", ClubID: "club-1", Role: role.Coach},
			{ID: "u2", Email: "lost@example.com", Role: role.Coach},
			{ID: "u3", Email: "root@example.com", Role: role.SuperAdmin},
		}
		for _, u := range users {
			if err := tx.CreateUser(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("creating users: %v", err)
	}

	orphans, err := s.ListOrphanedUsers(ctx)
	if err != nil {
		t.Fatalf("ListOrphanedUsers: %v", err)
	}
	if len(orphans) != 1 || orphans[0].ID != "u2" {
		t.Errorf("expected only u2 to be orphaned, got %+v", orphans)
	}
}
