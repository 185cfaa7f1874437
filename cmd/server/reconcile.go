package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/settlement"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute overtime ledgers from a month",
	Long: `Recompute the twelve-month overtime/compensatory ledger window starting at
--from for one user, or for every user when --user is omitted. Rows whose
values do not change are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromFlag, _ := cmd.Flags().GetString("from")
		from, err := parseYearMonth(fromFlag)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		userIDs, _ := cmd.Flags().GetStringSlice("user")
		if len(userIDs) == 0 {
			users, err := a.store.ListUsers(ctx)
			if err != nil {
				return err
			}
			for _, u := range users {
				userIDs = append(userIDs, u.ID)
			}
		}

		reconciler := settlement.NewReconciler(a.store, settlement.WithLogger(a.log))
		for _, id := range userIDs {
			rows, err := reconciler.AutoReconcile(ctx, id, from)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", id, err)
			}
			last := rows[len(rows)-1]
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s..%s\tremaining %s h\n",
				id, from, last.Period(), last.RemainingHours.StringFixed(2))
		}
		return nil
	},
}

// parseYearMonth reads YYYY-MM. Empty means the current month.
func parseYearMonth(s string) (generic.YearMonth, error) {
	if s == "" {
		return generic.CurrentYearMonth(time.Now()), nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return generic.YearMonth{}, fmt.Errorf("invalid month %q, want YYYY-MM", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return generic.YearMonth{}, fmt.Errorf("invalid year in %q", s)
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return generic.YearMonth{}, fmt.Errorf("invalid month in %q", s)
	}
	ym := generic.NewYearMonth(year, time.Month(month))
	if !ym.Valid() {
		return generic.YearMonth{}, fmt.Errorf("invalid month %q", s)
	}
	return ym, nil
}

func init() {
	reconcileCmd.Flags().StringSlice("user", nil, "User IDs to reconcile (default: all users)")
	reconcileCmd.Flags().String("from", "", "First month, YYYY-MM (default: current month)")
}
