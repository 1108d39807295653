package session

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cc_session_hub/internal/eventlog"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page is one page of a session listing.
type Page struct {
	Items      []Info `json:"items"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

func infoFromSummary(sum eventlog.Summary) Info {
	modified := sum.Modified
	if sum.LastEvent.After(modified) {
		modified = sum.LastEvent
	}
	created := sum.Created
	if created.IsZero() {
		created = modified
	}
	return Info{
		ID:             sum.SessionID,
		Title:          sum.DisplayTitle(),
		FirstPrompt:    sum.FirstPrompt,
		FirstMessageID: sum.FirstMessageID,
		WorkingDir:     sum.WorkingDir,
		EventCount:     sum.EventCount,
		Created:        created,
		Modified:       modified,
		Status:         StatusArchived,
	}
}

// EncodeCursor returns the cursor pointing just past the given item.
func EncodeCursor(modified time.Time, id string) string {
	raw := strconv.FormatInt(modified.UnixNano(), 10) + ":" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor made by EncodeCursor.
func DecodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return 0, "", ErrBadCursor
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return n, id, nil
}

// sortListing orders by modification time, newest first, then by ID.
func sortListing(items []Info) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Modified.UnixNano(), items[j].Modified.UnixNano()
		if a != b {
			return a > b
		}
		return items[i].ID < items[j].ID
	})
}

// dedupByFirstMessage keeps one session per first message: the one with the
// most events, then the most recently modified, then the lowest ID.
// Sessions without a first message are never collapsed.
func dedupByFirstMessage(items []Info) []Info {
	best := make(map[string]int, len(items))
	out := make([]Info, 0, len(items))
	for _, it := range items {
		if it.FirstMessageID == "" {
			out = append(out, it)
			continue
		}
		i, ok := best[it.FirstMessageID]
		if !ok {
			best[it.FirstMessageID] = len(out)
			out = append(out, it)
			continue
		}
		if wins(it, out[i]) {
			out[i] = it
		}
	}
	return out
}

func wins(a, b Info) bool {
	if a.EventCount != b.EventCount {
		return a.EventCount > b.EventCount
	}
	if !a.Modified.Equal(b.Modified) {
		return a.Modified.After(b.Modified)
	}
	return a.ID < b.ID
}

// paginate computes one page over a snapshot of the index.
func paginate(snapshot []Info, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	items := dedupByFirstMessage(snapshot)
	sortListing(items)

	start := 0
	if cursor != "" {
		nanos, id, err := DecodeCursor(cursor)
		if err != nil {
			return Page{}, err
		}
		start = sort.Search(len(items), func(i int) bool {
			n := items[i].Modified.UnixNano()
			return n < nanos || (n == nanos && items[i].ID > id)
		})
	}

	end := min(start+limit, len(items))
	page := Page{Items: items[start:end], HasMore: end < len(items)}
	if page.Items == nil {
		page.Items = []Info{}
	}
	if page.HasMore {
		last := page.Items[len(page.Items)-1]
		page.NextCursor = EncodeCursor(last.Modified, last.ID)
	}
	return page, nil
}
