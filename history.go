package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 10

// PageFetcher fetches one page of a conversation's history, newest-first.
type PageFetcher interface {
	FetchPage(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, conversationID string, limit, offset int) ([]Message, error)

func (f PageFetcherFunc) FetchPage(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	return f(ctx, conversationID, limit, offset)
}

// HistoryState is the pagination state of a HistoryLoader.
type HistoryState string

const (
	HistoryIdle      HistoryState = "idle"
	HistoryFetching  HistoryState = "fetching"
	HistoryExhausted HistoryState = "exhausted"
)

// Cursor is the pagination position of one conversation.
type Cursor struct {
	Offset    int
	Exhausted bool
}

// PageOutcome describes what a LoadNextPage call did.
type PageOutcome int

const (
	// PageSkipped means a fetch was already in flight or history is exhausted.
	PageSkipped PageOutcome = iota
	// PageLoaded means a non-empty page was merged into the store.
	PageLoaded
	// PageExhausted means the server returned an empty page.
	PageExhausted
	// PageFailed means the fetch failed; the cursor did not move.
	PageFailed
	// PageStale means the loader was detached while the fetch was in flight and
	// the result was discarded.
	PageStale
)

func (o PageOutcome) String() string {
	switch o {
	case PageSkipped:
		return "skipped"
	case PageLoaded:
		return "loaded"
	case PageExhausted:
		return "exhausted"
	case PageFailed:
		return "failed"
	case PageStale:
		return "stale"
	default:
		return "unknown"
	}
}

// HistoryLoader pages older messages of one conversation into a MessageStore.
type HistoryLoader struct {
	conversationID string
	fetcher        PageFetcher
	store          *MessageStore
	pageSize       int
	logger         zerolog.Logger

	mu         sync.Mutex
	state      HistoryState
	cursor     Cursor
	loadedOnce bool
	empty      bool
	detached   bool
}

// NewHistoryLoader creates a loader positioned at offset 0.
func NewHistoryLoader(conversationID string, fetcher PageFetcher, store *MessageStore, pageSize int, logger zerolog.Logger) *HistoryLoader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryLoader{
		conversationID: conversationID,
		fetcher:        fetcher,
		store:          store,
		pageSize:       pageSize,
		state:          HistoryIdle,
		logger: logger.With().
			Str("component", "history").
			Str("conversation_id", conversationID).
			Logger(),
	}
}

// LoadNextPage fetches the page at the current cursor. Calls made while a fetch is
// in flight or after exhaustion return PageSkipped without touching the network.
func (h *HistoryLoader) LoadNextPage(ctx context.Context) (PageOutcome, error) {
	h.mu.Lock()
	if h.detached || h.state != HistoryIdle {
		h.mu.Unlock()
		return PageSkipped, nil
	}
	h.state = HistoryFetching
	offset := h.cursor.Offset
	h.mu.Unlock()

	h.logger.Debug().Int("offset", offset).Int("limit", h.pageSize).Msg("fetching history page")
	page, err := h.fetcher.FetchPage(ctx, h.conversationID, h.pageSize, offset)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.detached {
		h.state = HistoryIdle
		h.logger.Debug().Err(ErrStaleCallback).Int("offset", offset).Msg("dropping history page for inactive conversation")
		return PageStale, nil
	}

	h.loadedOnce = true
	if err != nil {
		h.state = HistoryIdle
		h.logger.Warn().Err(err).Int("offset", offset).Msg("history page fetch failed")
		return PageFailed, &FetchError{ConversationID: h.conversationID, Offset: offset, Err: err}
	}

	if len(page) == 0 {
		h.state = HistoryExhausted
		h.cursor.Exhausted = true
		h.empty = offset == 0
		h.logger.Debug().Int("offset", offset).Msg("history exhausted")
		return PageExhausted, nil
	}

	h.store.Seed(page, true)
	h.cursor.Offset = offset + h.pageSize
	h.state = HistoryIdle
	h.logger.Debug().Int("count", len(page)).Int("next_offset", h.cursor.Offset).Msg("history page merged")
	return PageLoaded, nil
}

// Detach stops the loader from applying any further result. In-flight fetches are
// not aborted; their results are dropped when they resolve.
func (h *HistoryLoader) Detach() {
	h.mu.Lock()
	h.detached = true
	h.mu.Unlock()
}

// State returns the pagination state.
func (h *HistoryLoader) State() HistoryState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Cursor returns the pagination cursor.
func (h *HistoryLoader) Cursor() Cursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// InitialLoad reports whether the first fetch has not resolved yet.
func (h *HistoryLoader) InitialLoad() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.loadedOnce
}

// Empty reports whether the very first page came back empty.
func (h *HistoryLoader) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.empty
}

// PageSize returns the fixed page size.
func (h *HistoryLoader) PageSize() int {
	return h.pageSize
}
