package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/directory/memory"
	"github.com/alecgard/clubpass/internal/quota"
	"github.com/alecgard/clubpass/internal/role"
	"golang.org/x/sync/errgroup"
)

func newTestLedger(t *testing.T, store *memory.Store, codes ...directory.ReferralCode) *Ledger {
	t.Helper()
	err := store.RunTransaction(context.Background(), func(ctx context.Context, tx directory.Tx) error {
		if err := tx.CreateClub(ctx, &directory.Club{ID: "club-1", Name: "Harbour FC"}); err != nil {
			return err
		}
		if err := tx.PutSubscription(ctx, &directory.Subscription{
			ID: "sub-1", ClubID: "club-1", Type: directory.SubscriptionCoachAccount,
			Status: directory.StatusActive, MaxSeats: 5,
		}); err != nil {
			return err
		}
		for i := range codes {
			if err := tx.InsertReferralCode(ctx, &codes[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	return New(store, quota.New(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func coachCode(code string, maxUses int) directory.ReferralCode {
	return directory.ReferralCode{Code: code, ClubID: "club-1", Role: role.Coach, MaxUses: maxUses, Active: true}
}

// ---- Validate ----

func TestValidate(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	l := newTestLedger(t, memory.New(),
		coachCode("AB12CD34", 1),
		directory.ReferralCode{Code: "OFF00001", ClubID: "club-1", Role: role.Coach, MaxUses: 1, Active: false},
		directory.ReferralCode{Code: "OLD00001", ClubID: "club-1", Role: role.Coach, MaxUses: 1, Active: true, ExpiresAt: &past},
		directory.ReferralCode{Code: "FULL0001", ClubID: "club-1", Role: role.Coach, MaxUses: 1, UsesCount: 1, Active: true},
	)

	tests := []struct {
		code string
		want error
	}{
		{"AB12CD34", nil},
		{" ab12cd34 ", nil},
		{"OFF00001", ErrInactiveCode},
		{"OLD00001", ErrCodeExpired},
		{"FULL0001", ErrCodeExhausted},
		{"ZZZZZZZZ", ErrInvalidCode},
		{"short", ErrInvalidCode},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := l.Validate(context.Background(), tt.code)
			if !errors.Is(err, tt.want) && !(tt.want == nil && err == nil) {
				t.Errorf("Validate(%q) = %v, want %v", tt.code, err, tt.want)
			}
		})
	}
}

// ---- Redeem ----

func TestRedeemSingleUseTwice(t *testing.T) {
	store := memory.New()
	l := newTestLedger(t, store, coachCode("AB12CD34", 1))
	ctx := context.Background()

	r, err := l.Redeem(ctx, "AB12CD34", "", "")
	if err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	if r.ClubID != "club-1" || r.Role != role.Coach {
		t.Errorf("unexpected receipt %+v", r)
	}

	if _, err := l.Redeem(ctx, "AB12CD34", "", ""); !errors.Is(err, ErrCodeExhausted) {
		t.Errorf("second Redeem = %v, want ErrCodeExhausted", err)
	}

	c, _ := store.GetReferralCode(ctx, "AB12CD34")
	if c.UsesCount != 1 {
		t.Errorf("uses_count = %d, want 1", c.UsesCount)
	}
}

func TestRedeemRoleConstraint(t *testing.T) {
	l := newTestLedger(t, memory.New(), coachCode("AB12CD34", 1))
	if _, err := l.Redeem(context.Background(), "AB12CD34", "", role.ViewOnly); !errors.Is(err, ErrRoleMismatch) {
		t.Errorf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestRedeemInviteeEmail(t *testing.T) {
	store := memory.New()
	invite := coachCode("INVITE01", 2)
	invite.Email = "invitee@example.com"
	l := newTestLedger(t, store, invite)
	ctx := context.Background()

	for _, email := range []string{"stranger@example.com", ""} {
		if _, err := l.Redeem(ctx, "INVITE01", email, ""); !errors.Is(err, ErrCodeEmailMismatch) {
			t.Errorf("Redeem for %q = %v, want ErrCodeEmailMismatch", email, err)
		}
	}
	c, _ := store.GetReferralCode(ctx, "INVITE01")
	if c.UsesCount != 0 {
		t.Fatalf("rejected redemptions consumed %d uses", c.UsesCount)
	}

	if _, err := l.Redeem(ctx, "INVITE01", " Invitee@Example.com ", ""); err != nil {
		t.Fatalf("invitee Redeem: %v", err)
	}
	c, _ = store.GetReferralCode(ctx, "INVITE01")
	if c.UsesCount != 1 {
		t.Errorf("uses_count = %d, want 1", c.UsesCount)
	}
}

func TestConcurrentRedeemAtMostMaxUses(t *testing.T) {
	const maxUses, callers = 3, 25
	store := memory.New(memory.WithMaxAttempts(callers + 1))
	l := newTestLedger(t, store, coachCode("MULTI003", maxUses))

	var ok, exhausted atomic.Int32
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := l.Redeem(context.Background(), "MULTI003", "", "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrCodeExhausted):
				exhausted.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected redeem error: %v", err)
	}

	if ok.Load() != maxUses {
		t.Errorf("successful redemptions = %d, want %d", ok.Load(), maxUses)
	}
	if exhausted.Load() != callers-maxUses {
		t.Errorf("exhausted = %d, want %d", exhausted.Load(), callers-maxUses)
	}
	c, _ := store.GetReferralCode(context.Background(), "MULTI003")
	if c.UsesCount != maxUses {
		t.Errorf("uses_count = %d, want %d", c.UsesCount, maxUses)
	}
}

func TestRedeemConflictBudget(t *testing.T) {
	store := memory.New(memory.WithMaxAttempts(1))
	l := newTestLedger(t, store, coachCode("MULTI003", 50))

	var ok, conflicts atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := l.Redeem(context.Background(), "MULTI003", "", "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrRedemptionConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	c, _ := store.GetReferralCode(context.Background(), "MULTI003")
	if int(ok.Load()) != c.UsesCount {
		t.Errorf("uses_count %d does not match %d successful redemptions", c.UsesCount, ok.Load())
	}
}

// ---- Issue / Deactivate ----

func TestIssueChecksCapacity(t *testing.T) {
	store := memory.New()
	l := newTestLedger(t, store, coachCode("PEND0003", 3))
	ctx := context.Background()

	c, err := l.Issue(ctx, IssueInput{ClubID: "club-1", Role: role.Coach, MaxUses: 2, CreatedBy: "admin-1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !directory.ValidCodeFormat(c.Code) || !c.Active || c.UsesCount != 0 {
		t.Errorf("unexpected issued code %+v", c)
	}

	_, err = l.Issue(ctx, IssueInput{ClubID: "club-1", Role: role.Coach, MaxUses: 1})
	var qe *quota.ExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quota rejection, got %v", err)
	}
	if qe.Capacity.Committed != 5 || qe.Capacity.Max != 5 {
		t.Errorf("unexpected capacity %+v", qe.Capacity)
	}
}

func TestIssueRejectsSuperAdmin(t *testing.T) {
	l := newTestLedger(t, memory.New())
	if _, err := l.Issue(context.Background(), IssueInput{ClubID: "club-1", Role: role.SuperAdmin}); !errors.Is(err, ErrRoleNotInvitable) {
		t.Errorf("expected ErrRoleNotInvitable, got %v", err)
	}
}

func TestDeactivateReleasesSeats(t *testing.T) {
	store := memory.New()
	l := newTestLedger(t, store, coachCode("PEND0005", 5))
	ctx := context.Background()

	if _, err := l.Deactivate(ctx, "club-2", "PEND0005"); !errors.Is(err, ErrWrongClub) {
		t.Errorf("expected ErrWrongClub, got %v", err)
	}

	c, err := l.Deactivate(ctx, "club-1", "pend0005")
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if c.Active {
		t.Error("code should be inactive")
	}
	if _, err := l.Redeem(ctx, "PEND0005", "", ""); !errors.Is(err, ErrInactiveCode) {
		t.Errorf("redeeming a deactivated code = %v, want ErrInactiveCode", err)
	}

	capacity, err := quota.New().CheckCapacity(ctx, store, "club-1", role.Coach, 5)
	if err != nil || !capacity.OK {
		t.Errorf("seats should be released: %+v, %v", capacity, err)
	}
}
