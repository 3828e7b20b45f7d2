package main

import (
	"fmt"
	"log/slog"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/config"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/item"
	"github.com/agentworkforce/relayboard/internal/relayboard"
)

// buildChannels binds one display channel per configured entry, each
// showing the items whose status and kind it lists.
func buildChannels(cfg config.Config, client chat.Client, logger *slog.Logger) ([]*display.Channel, error) {
	channels := make([]*display.Channel, 0, len(cfg.Channels))
	for _, c := range cfg.Channels {
		statuses := make([]item.Status, 0, len(c.Statuses))
		for _, raw := range c.Statuses {
			status, err := item.ParseStatus(raw)
			if err != nil {
				return nil, fmt.Errorf("channel %d: %w", c.ID, err)
			}
			statuses = append(statuses, status)
		}
		channels = append(channels, display.New(
			chat.ChannelID(c.ID),
			client,
			item.MatchFilter(statuses, c.Kinds),
			display.Options{Logger: logger},
		))
	}
	return channels, nil
}

func newBoard(client chat.Client, channels []*display.Channel, logger *slog.Logger) *relayboard.Board {
	return relayboard.New(client, channels, relayboard.Options{
		Logger:  logger,
		Decode:  item.Decode,
		Actions: item.Actions{Logger: logger},
	})
}

// loadOfflineBoard reads the persisted state into a board that is not
// bound to any chat channel.
func loadOfflineBoard(cfg config.Config, logger *slog.Logger) (*relayboard.Board, error) {
	backend, err := relayboard.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		return nil, err
	}
	defer relayboard.CloseStateBackend(backend)
	data, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	board := newBoard(nil, nil, logger)
	if err := board.LoadState(data); err != nil {
		return nil, err
	}
	return board, nil
}
