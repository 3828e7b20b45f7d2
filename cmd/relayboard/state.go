package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/relayboard"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type stateOptions struct {
	file   string
	format string
}

func newStateCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &stateOptions{}
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the persisted board state",
	}
	cmd.PersistentFlags().StringVar(&opts.file, "file", "", "read a state document from this file instead of the configured backend")
	cmd.PersistentFlags().StringVar(&opts.format, "format", "text", "output format (text|json)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Summarize the persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readState(rootOpts, opts)
			if err != nil {
				return err
			}
			summary, err := summarizeState(data)
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), opts.format, summary)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the persisted state without starting the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readState(rootOpts, opts)
			if err != nil {
				return err
			}
			if err := checkState(data); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "state ok")
			return nil
		},
	})
	return cmd
}

func readState(rootOpts *rootOptions, opts *stateOptions) ([]byte, error) {
	if opts.file != "" {
		return os.ReadFile(opts.file)
	}
	cfg, err := config.Load(rootOpts.configPath)
	if err != nil {
		return nil, err
	}
	backend, err := relayboard.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, err
	}
	defer relayboard.CloseStateBackend(backend)
	if backend == nil {
		return nil, errors.New("no state backend configured")
	}
	return backend.Load()
}

type snapshotDocument struct {
	Channels map[uint64][]display.SnapshotEntry `yaml:"channels"`
}

type channelSummary struct {
	ID      string `json:"id"`
	Entries int    `json:"entries"`
}

type stateSummary struct {
	Entities       int              `json:"entities"`
	LastFeedUpdate time.Time        `json:"lastFeedUpdate"`
	Channels       []channelSummary `json:"channels"`
}

func summarizeState(data []byte) (stateSummary, error) {
	board := newBoard(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := board.LoadState(data); err != nil {
		return stateSummary{}, err
	}
	var doc struct {
		Channels map[uint64][]yaml.Node `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return stateSummary{}, err
	}
	summary := stateSummary{
		Entities:       board.Len(),
		LastFeedUpdate: board.LastFeedUpdate(),
		Channels:       []channelSummary{},
	}
	ids := make([]uint64, 0, len(doc.Channels))
	for id := range doc.Channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		summary.Channels = append(summary.Channels, channelSummary{ID: fmt.Sprint(id), Entries: len(doc.Channels[id])})
	}
	return summary, nil
}

func writeSummary(w io.Writer, format string, s stateSummary) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "text":
		last := "never"
		if !s.LastFeedUpdate.IsZero() {
			last = s.LastFeedUpdate.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "entities: %d\nlast feed update: %s\n", s.Entities, last)
		for _, ch := range s.Channels {
			fmt.Fprintf(w, "channel %s: %d messages\n", ch.ID, ch.Entries)
		}
		return nil
	}
	return fmt.Errorf("invalid format %q: must be one of %v", format, validLogFormats)
}

// checkState runs the schema, the record decoder and the snapshot id
// parser over a document, the same checks a restart would hit.
func checkState(data []byte) error {
	if err := config.ValidateState(data); err != nil {
		return err
	}
	board := newBoard(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := board.LoadState(data); err != nil {
		return err
	}
	var doc snapshotDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &relayboard.StateError{Reason: "decode snapshots", Err: err}
	}
	for channelID, entries := range doc.Channels {
		for _, e := range entries {
			if _, err := e.EntityID.Parse(); err != nil {
				return fmt.Errorf("channel %d: %w", channelID, &display.ParseError{Field: "entity id", Value: string(e.EntityID), Err: err})
			}
			if _, err := e.MessageID.Parse(); err != nil {
				return fmt.Errorf("channel %d: %w", channelID, &display.ParseError{Field: "message id", Value: string(e.MessageID), Err: err})
			}
		}
	}
	return nil
}
