package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/loops/internal/config"
	"github.com/marcus/loops/internal/output"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Short:   "Manage users",
	GroupID: "admin",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		u, err := store.CreateUser(args[0])
		if err != nil {
			return err
		}
		tz, _ := cmd.Flags().GetString("timezone")
		cutoff, _ := cmd.Flags().GetInt("day-cutoff")
		if tz != "UTC" || cutoff != 0 {
			if err := store.SetUserCalendar(u.ID, tz, cutoff); err != nil {
				return err
			}
			u.Timezone, u.DayCutoffHour = tz, cutoff
		}

		if jsonOutput {
			return output.WriteJSON(cmd.OutOrStdout(), map[string]any{
				"id": u.ID, "email": u.Email, "timezone": u.Timezone, "dayCutoffHour": u.DayCutoffHour,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", u.Email, u.ID)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with their streaks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		users, err := store.ListUsers()
		if err != nil {
			return err
		}
		if jsonOutput {
			type row struct {
				ID         string     `json:"id"`
				Email      string     `json:"email"`
				Timezone   string     `json:"timezone"`
				LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
				Current    int        `json:"currentStreak"`
				Best       int        `json:"bestStreak"`
			}
			out := make([]row, 0, len(users))
			for _, u := range users {
				out = append(out, row{u.ID, u.Email, u.Timezone, u.LastSyncAt, u.CurrentStreak, u.BestStreak})
			}
			return output.WriteJSON(cmd.OutOrStdout(), out)
		}
		for _, u := range users {
			synced := "never synced"
			if u.LastSyncAt != nil {
				synced = "synced " + output.FormatTimeAgo(*u.LastSyncAt)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  %s\n", u.ID, u.Email, output.FormatStreak(u.Streak()), synced)
		}
		return nil
	},
}

var userCalendarCmd = &cobra.Command{
	Use:   "calendar <email>",
	Short: "Set a user's timezone and day cutoff hour",
	Long: `Set the timezone and day cutoff hour used to decide which calendar day
"today" is for the user. With a cutoff of 3, activity before 03:00 local
time still counts for the previous day.`,
	Args: cobra.ExactArgs(1),
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
		tz, _ := cmd.Flags().GetString("timezone")
		cutoff, _ := cmd.Flags().GetInt("day-cutoff")
		if err := store.SetUserCalendar(u.ID, tz, cutoff); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: timezone %s, day starts at %02d:00\n", u.Email, tz, cutoff)
		return nil
	},
}

var keyCmd = &cobra.Command{
	Use:     "key",
	Short:   "Manage API keys",
	GroupID: "admin",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create <email>",
	Short: "Create an API key for a user",
	Long:  "Create an API key for a user. The key is printed once and cannot be recovered.",
	Args:  cobra.ExactArgs(1),
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

		name, _ := cmd.Flags().GetString("name")
		expiresIn, _ := cmd.Flags().GetString("expires")
		var expiresAt *time.Time
		if expiresIn != "" {
			d, err := config.ParseDaysDuration(expiresIn)
			if err != nil {
				return fmt.Errorf("--expires: %w", err)
			}
			if d > 0 {
				t := time.Now().UTC().Add(d)
				expiresAt = &t
			}
		}

		plaintext, ak, err := store.GenerateAPIKey(u.ID, name, expiresAt)
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.WriteJSON(cmd.OutOrStdout(), map[string]any{
				"id": ak.ID, "userId": u.ID, "key": plaintext, "expiresAt": ak.ExpiresAt,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), plaintext)
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list <email>",
	Short: "List a user's API keys",
	Args:  cobra.ExactArgs(1),
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
		keys, err := store.ListAPIKeys(u.ID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			used := "never used"
			if k.LastUsedAt != nil {
				used = "used " + output.FormatTimeAgo(*k.LastUsedAt)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s…  %s  %s\n", k.ID, k.KeyPrefix, k.Name, used)
		}
		return nil
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <email> <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(2),
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
		if err := store.RevokeAPIKey(args[1], u.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[1])
		return nil
	},
}

func init() {
	userCreateCmd.Flags().String("timezone", "UTC", "IANA timezone")
	userCreateCmd.Flags().Int("day-cutoff", 0, "hour (0-23) at which the user's day starts")
	userCalendarCmd.Flags().String("timezone", "UTC", "IANA timezone")
	userCalendarCmd.Flags().Int("day-cutoff", 0, "hour (0-23) at which the user's day starts")
	userCmd.AddCommand(userCreateCmd, userListCmd, userCalendarCmd)

	keyCreateCmd.Flags().String("name", "default", "key label")
	keyCreateCmd.Flags().String("expires", "", "lifetime, e.g. 90d or 720h (default never)")
	keyCmd.AddCommand(keyCreateCmd, keyListCmd, keyRevokeCmd)

	rootCmd.AddCommand(userCmd, keyCmd)
}
