package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alecgard/clubpass/internal/config"
	"github.com/alecgard/clubpass/internal/identity"
)

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List accounts without a club",
	Long:  "List directory users that have no club and are not super admins. These need manual reconciliation.",
	RunE:  runOrphans,
}

var orphansShowEmail bool

func init() {
	orphansCmd.Flags().BoolVar(&orphansShowEmail, "show-email", false, "print full email addresses")
	rootCmd.AddCommand(orphansCmd)
}

func runOrphans(cmd *cobra.Command, args []string) error {
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

	users, err := b.dir.ListOrphanedUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing orphaned users: %w", err)
	}
	if len(users) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no orphaned accounts")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEMAIL\tROLE\tCREATED")
	for _, u := range users {
		email := u.Email
		if !orphansShowEmail {
			email = identity.MaskEmail(email)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.ID, email, u.Role, u.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
