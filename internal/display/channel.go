package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/agentworkforce/relayboard/internal/batch"
	"github.com/agentworkforce/relayboard/internal/chat"
)

const (
	defaultHistoryPageSize = 100

	// New messages go out one at a time so their visible order is the
	// order they were sent in (TestUpdatePostsOldestFirst). Edits, deletes
	// and fetches use the channel concurrency.
	populateLimit = 1
)

type Options struct {
	Concurrency     int
	HistoryPageSize int
	Logger          *slog.Logger
}

type Channel struct {
	id              chat.ChannelID
	client          chat.Client
	match           Predicate
	concurrency     int
	historyPageSize int
	logger          *slog.Logger

	name   string
	loaded bool
	index  map[uint64]chat.MessageID
}

type placement struct {
	entityID  uint64
	messageID chat.MessageID
	entity    Entity
}

func New(id chat.ChannelID, client chat.Client, match Predicate, opts Options) *Channel {
	if match == nil {
		match = PredicateFunc(nil)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = batch.DefaultLimit
	}
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = defaultHistoryPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		id:              id,
		client:          client,
		match:           match,
		concurrency:     concurrency,
		historyPageSize: pageSize,
		logger:          logger.With(slog.String("component", "display"), slog.Uint64("channel_id", uint64(id))),
		index:           map[uint64]chat.MessageID{},
	}
}

func (c *Channel) ID() chat.ChannelID {
	return c.id
}

func (c *Channel) Name() (string, error) {
	if !c.loaded {
		return "", &UnloadedError{ChannelID: uint64(c.id)}
	}
	return c.name, nil
}

func (c *Channel) Loaded() bool {
	return c.loaded
}

func (c *Channel) Len() int {
	return len(c.index)
}

func (c *Channel) Contains(entityID uint64) bool {
	_, ok := c.index[entityID]
	return ok
}

func (c *Channel) Handle(entityID uint64) (chat.MessageID, bool) {
	msgID, ok := c.index[entityID]
	return msgID, ok
}

// Snapshot lists the index as persistable pairs, ordered by entity id.
func (c *Channel) Snapshot() []SnapshotEntry {
	ids := c.indexedIDs()
	out := make([]SnapshotEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, SnapshotEntry{
			EntityID:  FormatID(id),
			MessageID: FormatID(uint64(c.index[id])),
		})
	}
	return out
}

// Init resolves the channel, rebuilds the index from src and runs a full
// Update.
func (c *Channel) Init(ctx context.Context, catalog Catalog, self chat.UserID, src Source) error {
	if err := c.load(ctx); err != nil {
		return err
	}
	c.logger.Info("initializing display channel", slog.String("name", c.name), slog.String("source", src.String()))

	var (
		index map[uint64]chat.MessageID
		err   error
	)
	if src.IsSnapshot() {
		index, err = c.restore(ctx, src.entries)
	} else {
		index, err = c.scan(ctx, catalog, self)
	}
	if err != nil {
		return err
	}
	c.index = index
	return c.Update(ctx, catalog)
}

func (c *Channel) load(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("display channel %d: client is required", c.id)
	}
	channel, err := c.client.FetchChannel(ctx, c.id)
	if err != nil {
		return fmt.Errorf("load channel %d: %w", c.id, err)
	}
	c.name = channel.Name
	c.loaded = true
	return nil
}

func (c *Channel) restore(ctx context.Context, entries []SnapshotEntry) (map[uint64]chat.MessageID, error) {
	pairs := make([]placement, 0, len(entries))
	for _, entry := range entries {
		entityID, err := entry.EntityID.Parse()
		if err != nil {
			return nil, &ParseError{Field: "id", Value: string(entry.EntityID), Err: err}
		}
		messageID, err := entry.MessageID.Parse()
		if err != nil {
			return nil, &ParseError{Field: "message_id", Value: string(entry.MessageID), Err: err}
		}
		pairs = append(pairs, placement{entityID: entityID, messageID: chat.MessageID(messageID)})
	}

	results, err := batch.Run(ctx, pairs, batch.Options{Limit: c.concurrency, Policy: batch.BestEffort},
		func(ctx context.Context, p placement) (chat.Message, error) {
			return c.client.FetchMessage(ctx, c.id, p.messageID)
		})
	if err != nil {
		return nil, err
	}
	index := make(map[uint64]chat.MessageID, len(pairs))
	for _, res := range results {
		p := pairs[res.Index]
		if !res.OK() {
			c.logger.Warn("snapshot message missing, dropping",
				slog.Uint64("entity_id", p.entityID),
				slog.Uint64("message_id", uint64(p.messageID)),
				slog.Any("error", res.Err))
			continue
		}
		index[p.entityID] = res.Value.ID
	}
	return index, nil
}

func (c *Channel) scan(ctx context.Context, catalog Catalog, self chat.UserID) (map[uint64]chat.MessageID, error) {
	var history []chat.Message
	var before chat.MessageID
	for {
		page, err := c.client.FetchHistory(ctx, c.id, before, c.historyPageSize)
		if err != nil {
			return nil, fmt.Errorf("scan channel %d: %w", c.id, err)
		}
		if len(page) == 0 {
			break
		}
		history = append(history, page...)
		oldest := page[0].ID
		for _, msg := range page[1:] {
			if msg.ID < oldest {
				oldest = msg.ID
			}
		}
		if before != 0 && oldest >= before {
			break
		}
		before = oldest
		if len(page) < c.historyPageSize {
			break
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].ID < history[j].ID })

	index := map[uint64]chat.MessageID{}
	var extra []placement
	for _, msg := range history {
		if msg.AuthorID != self {
			continue
		}
		entityID, ok := chat.MarkerID(msg)
		if !ok {
			continue
		}
		if _, exists := catalog.Lookup(entityID); !exists {
			c.logger.Warn("message has no backing entity, deleting", slog.Uint64("message_id", uint64(msg.ID)), slog.Uint64("entity_id", entityID))
			extra = append(extra, placement{entityID: entityID, messageID: msg.ID})
			continue
		}
		if _, dup := index[entityID]; dup {
			c.logger.Warn("duplicate message, deleting", slog.Uint64("message_id", uint64(msg.ID)), slog.Uint64("entity_id", entityID))
			extra = append(extra, placement{entityID: entityID, messageID: msg.ID})
			continue
		}
		index[entityID] = msg.ID
	}
	if _, err := c.deleteAll(ctx, extra); err != nil {
		return nil, err
	}
	return index, nil
}

// Update reconciles the channel with the catalog: modified entities are
// edited in place, stale entries are pruned and missing entities are posted,
// oldest first. Only posting failures are returned.
func (c *Channel) Update(ctx context.Context, catalog Catalog) error {
	if !c.loaded {
		return &UnloadedError{ChannelID: uint64(c.id)}
	}

	var edits []placement
	for _, id := range c.indexedIDs() {
		entity, ok := catalog.Lookup(id)
		if !ok || !c.match.Match(entity) || !entity.Modified() {
			continue
		}
		edits = append(edits, placement{entityID: id, messageID: c.index[id], entity: entity})
	}
	editResults, err := batch.Each(ctx, edits, batch.Options{Limit: c.concurrency, Policy: batch.BestEffort},
		func(ctx context.Context, p placement) error {
			_, err := c.client.EditMessage(ctx, c.id, p.messageID, p.entity.Render())
			return err
		})
	if err != nil {
		return err
	}
	editFailed := map[uint64]struct{}{}
	for _, res := range editResults {
		if res.OK() {
			continue
		}
		p := edits[res.Index]
		c.logger.Warn("edit failed, message will be replaced",
			slog.Uint64("entity_id", p.entityID),
			slog.Uint64("message_id", uint64(p.messageID)),
			slog.Any("error", res.Err))
		editFailed[p.entityID] = struct{}{}
	}

	var stale []placement
	for _, id := range c.indexedIDs() {
		entity, ok := catalog.Lookup(id)
		_, failed := editFailed[id]
		if ok && c.match.Match(entity) && !failed {
			continue
		}
		stale = append(stale, placement{entityID: id, messageID: c.index[id]})
	}
	deleteResults, err := c.deleteAll(ctx, stale)
	// Unattempted deletions stay indexed so the next Update prunes them.
	for _, res := range deleteResults {
		if !res.Skipped {
			delete(c.index, stale[res.Index].entityID)
		}
	}
	if err != nil {
		return err
	}

	var fresh []Entity
	for _, entity := range catalog.Entities() {
		if entity == nil || !c.match.Match(entity) {
			continue
		}
		if _, indexed := c.index[entity.ID()]; indexed {
			continue
		}
		fresh = append(fresh, entity)
	}
	sortNewestFirst(fresh)
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	sendResults, sendErr := batch.Run(ctx, fresh, batch.Options{Limit: populateLimit, Policy: batch.FailFast},
		func(ctx context.Context, e Entity) (chat.Message, error) {
			return c.client.SendMessage(ctx, c.id, e.Render())
		})
	for _, res := range sendResults {
		if res.OK() {
			c.index[fresh[res.Index].ID()] = res.Value.ID
		}
	}
	if sendErr != nil {
		return fmt.Errorf("post entity to channel %d: %w", c.id, sendErr)
	}
	return nil
}

// Refresh deletes every indexed message and keeps the index; the deletion
// notifications repost them.
func (c *Channel) Refresh(ctx context.Context) error {
	if !c.loaded {
		return &UnloadedError{ChannelID: uint64(c.id)}
	}
	var all []placement
	for _, id := range c.indexedIDs() {
		all = append(all, placement{entityID: id, messageID: c.index[id]})
	}
	_, err := c.deleteAll(ctx, all)
	return err
}

// Purge deletes every indexed message and forgets them; the next Update
// reposts whatever still matches.
func (c *Channel) Purge(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return err
	}
	c.index = map[uint64]chat.MessageID{}
	return nil
}

// Up deletes the entity's message but keeps it indexed, so the deletion
// notification reposts it as the most recent message.
func (c *Channel) Up(ctx context.Context, entityID uint64) error {
	msgID, ok := c.index[entityID]
	if !ok {
		return c.notIndexed(entityID)
	}
	if err := c.client.DeleteMessage(ctx, c.id, msgID); err != nil {
		return fmt.Errorf("delete message %d: %w", msgID, err)
	}
	return nil
}

func (c *Channel) Remove(ctx context.Context, entityID uint64) error {
	msgID, ok := c.index[entityID]
	if !ok {
		return c.notIndexed(entityID)
	}
	if err := c.client.DeleteMessage(ctx, c.id, msgID); err != nil && !errors.Is(err, chat.ErrNotFound) {
		return fmt.Errorf("delete message %d: %w", msgID, err)
	}
	delete(c.index, entityID)
	return nil
}

// OnExternalDelete reposts the entity whose message was deleted and records
// the new message. Deletions of untracked messages are ignored.
func (c *Channel) OnExternalDelete(ctx context.Context, catalog Catalog, messageID chat.MessageID) error {
	entityID, ok := c.lookupMessage(messageID)
	if !ok {
		return nil
	}
	entity, exists := catalog.Lookup(entityID)
	if !exists {
		return &NotFoundError{Kind: "entity", ID: entityID, Where: c.label()}
	}
	if !c.match.Match(entity) {
		delete(c.index, entityID)
		return nil
	}
	msg, err := c.client.SendMessage(ctx, c.id, entity.Render())
	if err != nil {
		// Unindexed, the entity is posted again by the next Update.
		delete(c.index, entityID)
		return fmt.Errorf("repost entity %d: %w", entityID, err)
	}
	c.index[entityID] = msg.ID
	return nil
}

// Verify drops index entries whose message no longer exists, so the next
// Update posts them again. It returns how many entries were dropped. Fetch
// failures other than not-found keep the entry.
func (c *Channel) Verify(ctx context.Context) (int, error) {
	if !c.loaded {
		return 0, &UnloadedError{ChannelID: uint64(c.id)}
	}
	var all []placement
	for _, id := range c.indexedIDs() {
		all = append(all, placement{entityID: id, messageID: c.index[id]})
	}
	results, err := batch.Each(ctx, all, batch.Options{Limit: c.concurrency, Policy: batch.BestEffort},
		func(ctx context.Context, p placement) error {
			_, err := c.client.FetchMessage(ctx, c.id, p.messageID)
			return err
		})
	dropped := 0
	for _, res := range results {
		if res.Skipped || res.Err == nil {
			continue
		}
		p := all[res.Index]
		if !errors.Is(res.Err, chat.ErrNotFound) {
			c.logger.Warn("could not verify message", slog.Uint64("entity_id", p.entityID), slog.Any("error", res.Err))
			continue
		}
		delete(c.index, p.entityID)
		dropped++
	}
	if dropped > 0 {
		c.logger.Info("dropped vanished messages", slog.Int("count", dropped))
	}
	return dropped, err
}

// EditAll re-renders every indexed message whose entity still exists,
// stopping at the first failure.
func (c *Channel) EditAll(ctx context.Context, catalog Catalog) error {
	if !c.loaded {
		return &UnloadedError{ChannelID: uint64(c.id)}
	}
	var edits []placement
	for _, id := range c.indexedIDs() {
		entity, ok := catalog.Lookup(id)
		if !ok {
			continue
		}
		edits = append(edits, placement{entityID: id, messageID: c.index[id], entity: entity})
	}
	_, err := batch.Each(ctx, edits, batch.Options{Limit: c.concurrency, Policy: batch.FailFast},
		func(ctx context.Context, p placement) error {
			_, err := c.client.EditMessage(ctx, c.id, p.messageID, p.entity.Render())
			return err
		})
	return err
}

func (c *Channel) deleteAll(ctx context.Context, targets []placement) ([]batch.Result[struct{}], error) {
	results, err := batch.Each(ctx, targets, batch.Options{Limit: c.concurrency, Policy: batch.BestEffort},
		func(ctx context.Context, p placement) error {
			return c.client.DeleteMessage(ctx, c.id, p.messageID)
		})
	for _, res := range results {
		if res.OK() || res.Skipped {
			continue
		}
		p := targets[res.Index]
		c.logger.Warn("delete failed",
			slog.Uint64("entity_id", p.entityID),
			slog.Uint64("message_id", uint64(p.messageID)),
			slog.Any("error", res.Err))
	}
	return results, err
}

func (c *Channel) lookupMessage(messageID chat.MessageID) (uint64, bool) {
	for entityID, msgID := range c.index {
		if msgID == messageID {
			return entityID, true
		}
	}
	return 0, false
}

func (c *Channel) indexedIDs() []uint64 {
	ids := make([]uint64, 0, len(c.index))
	for id := range c.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Channel) notIndexed(entityID uint64) error {
	return &NotFoundError{Kind: "entity", ID: entityID, Where: c.label()}
}

func (c *Channel) label() string {
	if c.loaded && c.name != "" {
		return fmt.Sprintf("channel #%s (%d)", c.name, c.id)
	}
	return fmt.Sprintf("channel %d", c.id)
}

// sortNewestFirst orders by ordering key descending, ties by id descending.
func sortNewestFirst(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		ki, kj := entities[i].OrderingKey(), entities[j].OrderingKey()
		if !ki.Equal(kj) {
			return ki.After(kj)
		}
		return entities[i].ID() > entities[j].ID()
	})
}
