package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/RichardoC/pad-relay/internal/db"
	"github.com/spf13/cobra"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, err := db.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		sessions, err := database.Sessions(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if sessionsJSON {
			return printJSON(cmd.OutOrStdout(), sessions)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMESSAGES\tLAST ACTIVITY")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%d\t%s\n", s.SessionID, s.MessageCount, s.LastActivity.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print JSON instead of a table")
	rootCmd.AddCommand(sessionsCmd)
}
