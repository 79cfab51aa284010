package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/RichardoC/pad-relay/internal/db"
	"github.com/RichardoC/pad-relay/internal/history"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's transcript as JSON",
	Long: `Print the transcript a browser would restore for the session: scratchpad
spans removed, empty entries dropped and roles normalized. Error replies are
always shown, whatever history.skip_error_replies says.`,
	Args: cobra.ExactArgs(1),
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

		projector, err := history.New(history.Options{
			ScratchpadTags:   cfg.History.ScratchpadTags,
			SkipErrorReplies: cfg.History.SkipErrorReplies,
		})
		if err != nil {
			return err
		}

		messages, err := database.ReadAll(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), projector.View(messages))
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
