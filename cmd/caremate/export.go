package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/transcript"
	"github.com/spf13/cobra"
)

var errNothingSaved = errors.New("no saved conversation for this device")

func newExportCommand(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the saved conversation as plain text",
		Long: `Write the saved conversation of --device as plain text.

Reads the SQLite file given by --db. Without --output the text goes to stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.dbPath == "" {
				return fmt.Errorf("export needs --db")
			}
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer closeStore(repo)

			ctx, cancel := withTimeout(opts.timeout)
			defer cancel()
			entries, ok := persist.New(repo, opts.device, nil).Load(ctx)
			if !ok {
				return errNothingSaved
			}

			text := transcript.Export(entries)
			if output == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), text)
				return err
			}
			if err := os.WriteFile(output, []byte(text), 0o600); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved %d messages to %s\n", len(entries), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write (default stdout)")

	return cmd
}
