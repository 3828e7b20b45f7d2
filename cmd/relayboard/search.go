package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/spf13/cobra"
)

func newSearchCommand(rootOpts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the persisted board by name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.configPath)
			if err != nil {
				return err
			}
			board, err := loadOfflineBoard(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			matches := board.Search(strings.Join(args, " "))
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no match")
				return nil
			}
			if limit > 0 && len(matches) > limit {
				matches = matches[:limit]
			}
			for _, r := range matches {
				fmt.Fprint(cmd.OutOrStdout(), r.Summary())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results")
	return cmd
}
