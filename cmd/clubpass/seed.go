package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alecgard/clubpass/internal/config"
	"github.com/alecgard/clubpass/internal/directory"
	"github.com/alecgard/clubpass/internal/identity"
	"github.com/alecgard/clubpass/internal/role"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo clubs, subscriptions and referral codes",
	RunE:  runSeed,
}

var seedAdminEmail string

func init() {
	seedCmd.Flags().StringVar(&seedAdminEmail, "admin-email", "admin@clubpass.local", "email of the seeded super admin")
	rootCmd.AddCommand(seedCmd)
}

var demoClubs = []directory.Club{
	{ID: "club-1", Name: "Harbour FC"},
	{ID: "club-9", Name: "Northside Athletic"},
}

var demoSubscriptions = []directory.Subscription{
	{ID: "sub-harbour-coach", ClubID: "club-1", Type: directory.SubscriptionCoachAccount, Status: directory.StatusActive, MaxSeats: 10},
	{ID: "sub-harbour-view", ClubID: "club-1", Type: directory.SubscriptionViewOnly, Status: directory.StatusTrialing, MaxSeats: 25},
}

var demoCodes = []directory.ReferralCode{
	{Code: "HARBOUR1", ClubID: "club-1", Role: role.ClubAdminCoach, MaxUses: 1, Active: true},
	{Code: "COACHES5", ClubID: "club-1", Role: role.Coach, MaxUses: 5, Active: true},
	{Code: "PARENTS9", ClubID: "club-1", Role: role.ViewOnly, MaxUses: 20, Active: true},
	{Code: "AB12CD34", ClubID: "club-9", Role: role.ClubAdminCoach, MaxUses: 1, Active: true},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	newLogger(cfg.Log.Level)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	password, err := seedDemo(ctx, b.dir, b.ids, seedAdminEmail)
	if err != nil {
		return err
	}
	if password == "" {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintln(cmd.OutOrStdout(), "=== Demo Super Admin ===")
	fmt.Fprintf(cmd.OutOrStdout(), "Email:    %s\n", seedAdminEmail)
	fmt.Fprintf(cmd.OutOrStdout(), "Password: %s\n", password)
	fmt.Fprintln(cmd.OutOrStdout(), "Save this password; it cannot be retrieved later.")
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}

// seedDemo writes the demo clubs and codes and a super admin credential. It
// returns the generated admin password, or "" when the data already exists.
func seedDemo(ctx context.Context, dir directory.Store, ids identity.Store, adminEmail string) (string, error) {
	if _, err := dir.GetClub(ctx, demoClubs[0].ID); err == nil {
		return "", nil
	} else if !errors.Is(err, directory.ErrNotFound) {
		return "", fmt.Errorf("checking existing clubs: %w", err)
	}

	err := dir.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		now := time.Now().UTC()
		for _, c := range demoClubs {
			c.CreatedAt, c.UpdatedAt = now, now
			if err := tx.CreateClub(ctx, &c); err != nil {
				return err
			}
		}
		for _, s := range demoSubscriptions {
			s.UpdatedAt = now
			if err := tx.PutSubscription(ctx, &s); err != nil {
				return err
			}
		}
		for _, c := range demoCodes {
			c.CreatedAt = now
			c.CreatedBy = "seed"
			if err := tx.InsertReferralCode(ctx, &c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("seeding clubs: %w", err)
	}
	for _, c := range demoCodes {
		slog.Info("created referral code", "code", c.Code, "club_id", c.ClubID, "role", c.Role, "max_uses", c.MaxUses)
	}

	password, err := randomPassword()
	if err != nil {
		return "", err
	}
	cred, err := ids.CreateCredential(ctx, adminEmail, password)
	if err != nil {
		return "", fmt.Errorf("creating admin credential: %w", err)
	}
	err = dir.RunTransaction(ctx, func(ctx context.Context, tx directory.Tx) error {
		now := time.Now().UTC()
		return tx.CreateUser(ctx, &directory.User{
			ID:          uuid.NewString(),
			Email:       identity.NormalizeEmail(adminEmail),
			DisplayName: "Super Admin",
			Role:        role.SuperAdmin,
			Providers:   []string{identity.ProviderPassword},
			HasPassword: true,
			IdentityUID: cred.UID,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		_ = ids.Delete(ctx, cred.UID)
		return "", fmt.Errorf("creating admin profile: %w", err)
	}
	slog.Info("created super admin", "email", identity.MaskEmail(adminEmail))
	return password, nil
}

func randomPassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating password: %w", err)
	}
	return hex.EncodeToString(b), nil
}
