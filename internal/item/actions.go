package item

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/agentworkforce/relayboard/internal/chat"
	"github.com/agentworkforce/relayboard/internal/display"
	"github.com/agentworkforce/relayboard/internal/relayboard"
)

const statusButtonPrefix = "status"

func statusButtonID(s Status, id uint64) string {
	return statusButtonPrefix + ":" + string(s) + ":" + strconv.FormatUint(id, 10)
}

// Actions handles the status buttons attached to item messages.
type Actions struct {
	Logger *slog.Logger
}

func (a Actions) HandleAction(ctx context.Context, b *relayboard.Board, in chat.Interaction) error {
	status, id, err := parseStatusButton(in)
	if err != nil {
		return err
	}
	r, ok := b.Get(id)
	if !ok {
		return &display.NotFoundError{Kind: "item", ID: id, Where: "database"}
	}
	it, ok := r.(*Item)
	if !ok {
		return fmt.Errorf("record %d is a %T, not an item", id, r)
	}
	if err := b.Respond(ctx, in, chat.Response{Kind: chat.ResponseAcknowledge}); err != nil {
		return err
	}
	if it.Status == status {
		return nil
	}
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("status changed from message button",
		slog.Uint64("item_id", id),
		slog.String("from", string(it.Status)),
		slog.String("to", string(status)),
		slog.Uint64("user_id", uint64(in.UserID)))
	return b.Mutate(id, func(r relayboard.Record) { r.(*Item).Status = status })
}

func parseStatusButton(in chat.Interaction) (Status, uint64, error) {
	malformed := &display.InteractionIDError{CustomID: in.CustomID, MessageID: uint64(in.MessageID)}
	parts := strings.Split(in.CustomID, ":")
	if len(parts) != 3 || parts[0] != statusButtonPrefix {
		return "", 0, malformed
	}
	status, err := ParseStatus(parts[1])
	if err != nil || parts[1] == "" {
		return "", 0, malformed
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", 0, malformed
	}
	return status, id, nil
}
