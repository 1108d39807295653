package session

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func TestDedupByFirstMessage(t *testing.T) {
	tests := []struct {
		name  string
		items []Info
		want  []string
	}{
		{
			name: "most events wins",
			items: []Info{
				{ID: "a", FirstMessageID: "m", EventCount: 3, Modified: epoch.Add(time.Hour)},
				{ID: "b", FirstMessageID: "m", EventCount: 7, Modified: epoch},
			},
			want: []string{"b"},
		},
		{
			name: "newer wins a tie",
			items: []Info{
				{ID: "a", FirstMessageID: "m", EventCount: 4, Modified: epoch},
				{ID: "b", FirstMessageID: "m", EventCount: 4, Modified: epoch.Add(time.Second)},
			},
			want: []string{"b"},
		},
		{
			name: "lower id breaks a full tie",
			items: []Info{
				{ID: "b", FirstMessageID: "m", EventCount: 4, Modified: epoch},
				{ID: "a", FirstMessageID: "m", EventCount: 4, Modified: epoch},
			},
			want: []string{"a"},
		},
		{
			name: "sessions without a first message are kept",
			items: []Info{
				{ID: "a", Modified: epoch},
				{ID: "b", Modified: epoch},
				{ID: "c", FirstMessageID: "m", Modified: epoch},
			},
			want: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dedupByFirstMessage(tt.items)
			if len(got) != len(tt.want) {
				t.Fatalf("dedupByFirstMessage() kept %d items, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("item %d = %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	modified := epoch.Add(123 * time.Nanosecond)
	nanos, id, err := DecodeCursor(EncodeCursor(modified, "abc:def"))
	if err != nil {
		t.Fatalf("DecodeCursor() error = %v", err)
	}
	if nanos != modified.UnixNano() || id != "abc:def" {
		t.Errorf("DecodeCursor() = %d, %q", nanos, id)
	}

	for _, bad := range []string{"%%%", "bm9jb2xvbg", "eDpmb28"} {
		if _, _, err := DecodeCursor(bad); !errors.Is(err, ErrBadCursor) {
			t.Errorf("DecodeCursor(%q) error = %v, want ErrBadCursor", bad, err)
		}
	}
}

func TestPaginateVisitsEveryItemOnce(t *testing.T) {
	var items []Info
	for i := range 10 {
		// pairs share a timestamp so the ID order matters
		items = append(items, Info{ID: fmt.Sprintf("s%02d", i), Modified: epoch.Add(time.Duration(i/2) * time.Second)})
	}

	seen := make(map[string]int)
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("pagination did not terminate")
		}
		page, err := paginate(items, cursor, 3)
		if err != nil {
			t.Fatalf("paginate() error = %v", err)
		}
		for _, it := range page.Items {
			seen[it.ID]++
		}
		if pages == 0 {
			// an older session shows up on a later page, a newer one does not
			items = append(items,
				Info{ID: "old", Modified: epoch.Add(-time.Hour)},
				Info{ID: "new", Modified: epoch.Add(time.Hour)},
			)
		}
		if !page.HasMore {
			if page.NextCursor != "" {
				t.Errorf("last page has cursor %q", page.NextCursor)
			}
			break
		}
		cursor = page.NextCursor
	}

	for i := range 10 {
		id := fmt.Sprintf("s%02d", i)
		if seen[id] != 1 {
			t.Errorf("%s seen %d times, want 1", id, seen[id])
		}
	}
	if seen["old"] != 1 {
		t.Errorf("old seen %d times, want 1", seen["old"])
	}
	if seen["new"] != 0 {
		t.Errorf("new seen %d times, want 0", seen["new"])
	}
}

func TestPaginateOrderAndLimits(t *testing.T) {
	items := []Info{
		{ID: "b", Modified: epoch},
		{ID: "a", Modified: epoch},
		{ID: "c", Modified: epoch.Add(time.Minute)},
	}
	page, err := paginate(items, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c", "a", "b"}
	for i, id := range want {
		if page.Items[i].ID != id {
			t.Errorf("item %d = %q, want %q", i, page.Items[i].ID, id)
		}
	}
	if page.HasMore {
		t.Error("HasMore = true for a single page")
	}

	empty, err := paginate(nil, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Items == nil || len(empty.Items) != 0 {
		t.Errorf("empty page Items = %#v, want an empty slice", empty.Items)
	}

	if _, err := paginate(items, "!", 10); !errors.Is(err, ErrBadCursor) {
		t.Errorf("paginate() with bad cursor error = %v, want ErrBadCursor", err)
	}
}
