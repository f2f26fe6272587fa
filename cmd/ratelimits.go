package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/loops/internal/config"
	"github.com/marcus/loops/internal/output"
	"github.com/marcus/loops/internal/serverdb"
)

var rateLimitsCmd = &cobra.Command{
	Use:     "ratelimits",
	Short:   "List recent requests rejected by the rate limiter",
	GroupID: "admin",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		f := serverdb.RateLimitFilter{}
		f.KeyID, _ = cmd.Flags().GetString("key")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			d, err := config.ParseDaysDuration(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			f.Since = time.Now().UTC().Add(-d)
		}

		events, err := store.ListRateLimitEvents(cmd.Context(), f)
		if err != nil {
			return err
		}
		if jsonOutput {
			if events == nil {
				events = []serverdb.RateLimitEvent{}
			}
			return output.WriteJSON(cmd.OutOrStdout(), events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no rate limited requests")
			return nil
		}
		for _, e := range events {
			key := e.KeyID
			if key == "" {
				key = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-5s  %s  %s\n",
				output.FormatTimeAgo(e.CreatedAt), e.EndpointClass, key, e.IP)
		}
		return nil
	},
}

func init() {
	rateLimitsCmd.Flags().String("key", "", "only events for this API key id")
	rateLimitsCmd.Flags().String("since", "24h", "how far back to look, e.g. 24h or 7d")
	rateLimitsCmd.Flags().Int("limit", 50, "maximum number of events")
	rootCmd.AddCommand(rateLimitsCmd)
}
