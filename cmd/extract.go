package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailblast/config"
	"github.com/dhcgn/mailblast/maillog"
)

// NewExtractCommand builds the `extract` subcommand: one delivery extraction without sending.
func NewExtractCommand() *cobra.Command {
	var (
		logPath string
		sudo    bool
		marker  string
		output  string
	)

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Scrape the MTA log once and write the delivered addresses file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := maillog.NewReader(maillog.Options{Path: logPath, Sudo: sudo, Marker: marker})
			extractor, err := maillog.NewExtractor(reader, output, slog.Default())
			if err != nil {
				return err
			}
			defer func() {
				_ = extractor.Close()
			}()

			count, err := extractor.Run(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d delivered addresses written to %s\n", count, extractor.Output())
			return nil
		},
	}

	cmd.Flags().StringVar(&logPath, "maillog", config.DefaultMailLogPath, "MTA log to scrape")
	cmd.Flags().BoolVar(&sudo, "maillog-sudo", false, "Read the MTA log through 'sudo -n cat'")
	cmd.Flags().StringVar(&marker, "marker", maillog.DefaultMarker, "Status marker of delivered lines")
	cmd.Flags().StringVarP(&output, "output", "o", "delivered.txt", "Output file (overwritten)")

	return cmd
}
