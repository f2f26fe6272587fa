package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/loops/internal/day"
	"github.com/marcus/loops/internal/insights"
	"github.com/marcus/loops/internal/models"
	"github.com/marcus/loops/internal/output"
	"github.com/marcus/loops/internal/streak"
)

var streakCmd = &cobra.Command{
	Use:     "streak <email>",
	Short:   "Show a user's streak",
	GroupID: "insights",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := lookupUser(store, args[0])
		if err != nil {
			return err
		}
		engine := streak.NewEngine(store, time.Now)
		state := u.Streak()
		if recompute, _ := cmd.Flags().GetBool("recompute"); recompute {
			if state, err = engine.Recompute(cmd.Context(), u.ID); err != nil {
				return fmt.Errorf("recompute streak: %w", err)
			}
		}

		if jsonOutput {
			return output.WriteJSON(cmd.OutOrStdout(), struct {
				models.StreakState
				Today string `json:"today"`
			}{state, engine.Today(u)})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", u.Email, output.FormatStreak(state))
		return nil
	},
}

var dayCmd = &cobra.Command{
	Use:   "day <email> [date]",
	Short: "Show completion stats for one day",
	Long: `Show completion stats for one day of the user's calendar.

The date accepts YYYY-MM-DD, today, yesterday, relative offsets like -3d or
-1w, and weekday names. It defaults to the user's today.`,
	GroupID: "insights",
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := lookupUser(store, args[0])
		if err != nil {
			return err
		}
		input := "today"
		if len(args) == 2 {
			input = args[1]
		}
		date, err := day.Resolve(input, streak.NewEngine(store, time.Now).Today(u))
		if err != nil {
			return err
		}

		sum, err := insights.New(store.Conn()).ForDay(cmd.Context(), u.ID, date)
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.WriteJSON(cmd.OutOrStdout(), sum)
		}
		fmt.Fprintln(cmd.OutOrStdout(), output.FormatDaySummary(sum))
		return nil
	},
}

var rangeCmd = &cobra.Command{
	Use:     "range <email>",
	Short:   "Show a calendar heatmap of daily completion",
	GroupID: "insights",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := lookupUser(store, args[0])
		if err != nil {
			return err
		}
		today := streak.NewEngine(store, time.Now).Today(u)

		toArg, _ := cmd.Flags().GetString("to")
		to, err := day.Resolve(toArg, today)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}
		fromArg, _ := cmd.Flags().GetString("from")
		var from string
		if fromArg == "" {
			from, err = day.AddDays(to, -29)
		} else {
			from, err = day.Resolve(fromArg, today)
		}
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}

		days, err := insights.New(store.Conn()).ForRange(cmd.Context(), u.ID, from, to)
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.WriteJSON(cmd.OutOrStdout(), map[string]any{"from": from, "to": to, "days": days})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s  %s .. %s\n\n", u.Email, from, to)
		fmt.Fprintln(w, output.Heatmap(days))
		totals := output.RangeTotals(days)
		fmt.Fprint(w, output.SectionHeader("totals"))
		for _, st := range []models.DayStatus{models.DayPerfect, models.DayPartial, models.DayNone, models.DayNoTasks} {
			fmt.Fprintf(w, "  %-12s %d\n", output.StatusBadge(st), totals[st])
		}
		return nil
	},
}

func init() {
	streakCmd.Flags().Bool("recompute", false, "re-derive the streak from history before printing")
	rangeCmd.Flags().String("from", "", "first day (default 29 days before --to)")
	rangeCmd.Flags().String("to", "today", "last day")

	rootCmd.AddCommand(streakCmd, dayCmd, rangeCmd)
}
