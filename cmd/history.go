package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/withmartian/ares/ares-relay/internal/archive"
)

var (
	historyLimit int
	historyYAML  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived exchanges",
	Long: `List the most recently settled exchanges from the archive as JSON.

The archive must be enabled (archive.path, ARES_RELAY_ARCHIVE_PATH or
--archive). Each entry records the prompt text, the operator's reply and how
the request ended: replied, timeout, canceled or failed.

Examples:
  ares-relay history --archive relay.db
  ares-relay history --limit 5 --yaml
  ares-relay history | jq '.[] | select(.outcome == "timeout")'`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Archive.Path == "" {
			return fmt.Errorf("no archive configured: set archive.path or pass --archive")
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := archive.Open(ctx, cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		defer func() { _ = store.Close() }()

		return printHistory(ctx, cmd.OutOrStdout(), store, historyLimit, historyYAML)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", archive.DefaultLimit, "maximum number of exchanges to list")
	historyCmd.Flags().BoolVar(&historyYAML, "yaml", false, "print YAML instead of JSON")
}

func printHistory(ctx context.Context, w io.Writer, store *archive.Store, limit int, asYAML bool) error {
	exchanges, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if exchanges == nil {
		exchanges = []archive.Exchange{}
	}

	if asYAML {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(exchanges); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exchanges)
}
