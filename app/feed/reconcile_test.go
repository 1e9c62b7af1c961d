package feed

import (
	"slices"
	"testing"
	"time"
)

func datePtr(t time.Time) *time.Time {
	return &t
}

func TestItemGUID(t *testing.T) {
	withGUID := Item{GUID: "abc", Title: "T", Link: "L"}
	if got := ItemGUID(withGUID); got != "abc" {
		t.Errorf("Expected GUID 'abc', got: %s", got)
	}

	a := Item{Title: "Title", Link: "https://example.com/a"}
	b := Item{Title: "Title", Link: "https://example.com/a"}
	c := Item{Title: "Title", Link: "https://example.com/c"}
	d := Item{Title: "Other", Link: "https://example.com/a"}

	if ItemGUID(a) != ItemGUID(b) {
		t.Error("Expected identical title and link to hash to the same GUID")
	}
	if ItemGUID(a) == ItemGUID(c) {
		t.Error("Expected different links to hash differently")
	}
	if ItemGUID(a) == ItemGUID(d) {
		t.Error("Expected different titles to hash differently")
	}
	if len(ItemGUID(a)) != 32 {
		t.Errorf("Expected 32 character hex digest, got: %s", ItemGUID(a))
	}
	// md5("") for an item with neither title nor link
	if got := ItemGUID(Item{}); got != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("Expected md5 of empty string, got: %s", got)
	}
}

func TestItemDate(t *testing.T) {
	now := time.Date(2024, 8, 10, 12, 0, 0, 0, time.UTC)
	updated := now.Add(-time.Hour)
	published := now.Add(-2 * time.Hour)

	tests := []struct {
		name     string
		item     Item
		expected time.Time
	}{
		{"date wins", Item{Date: datePtr(updated), PubDate: datePtr(published)}, updated},
		{"pubdate fallback", Item{PubDate: datePtr(published)}, published},
		{"now fallback", Item{}, now},
		{"future clamped", Item{Date: datePtr(now.Add(48 * time.Hour))}, now},
		{"zero date ignored", Item{Date: &time.Time{}, PubDate: datePtr(published)}, published},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemDate(tt.item, now)
			if !got.Equal(tt.expected) {
				t.Errorf("Expected %v, got: %v", tt.expected, got)
			}
		})
	}
}

func TestReconcileDefunctDetection(t *testing.T) {
	now := time.Now().UTC()
	parsed := []Item{{GUID: "a"}, {GUID: "c"}, {GUID: "d"}}

	result := Reconcile(parsed, []string{"a", "b", "c"}, 100, now)

	if !slices.Equal(result.NewGUIDs, []string{"d"}) {
		t.Errorf("Expected new GUIDs [d], got: %v", result.NewGUIDs)
	}
	if !slices.Equal(result.DefunctGUIDs, []string{"b"}) {
		t.Errorf("Expected defunct GUIDs [b], got: %v", result.DefunctGUIDs)
	}
	if !slices.Equal(result.RetainedGUIDs, []string{"a", "c"}) {
		t.Errorf("Expected retained GUIDs [a c], got: %v", result.RetainedGUIDs)
	}
	if len(result.Upserts) != 1 || result.Upserts[0].GUID != "d" {
		t.Errorf("Expected a single upsert for d, got: %+v", result.Upserts)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	now := time.Now().UTC()
	parsed := []Item{{GUID: "a", Title: "A"}}

	first := Reconcile(parsed, nil, 100, now)
	if len(first.Upserts) != 1 {
		t.Fatalf("Expected 1 upsert on first run, got: %d", len(first.Upserts))
	}

	second := Reconcile(parsed, first.NewGUIDs, 100, now.Add(time.Minute))
	if len(second.Upserts) != 0 {
		t.Errorf("Expected no upserts on second run, got: %d", len(second.Upserts))
	}
	if second.NewestItemDate != nil {
		t.Errorf("Expected no newest item date without upserts, got: %v", second.NewestItemDate)
	}
	if len(second.DefunctGUIDs) != 0 {
		t.Errorf("Expected no defunct GUIDs, got: %v", second.DefunctGUIDs)
	}
}

func TestReconcileTruncation(t *testing.T) {
	now := time.Now().UTC()
	parsed := []Item{{GUID: "a"}, {GUID: "b"}, {GUID: "c"}, {GUID: "d"}}

	result := Reconcile(parsed, []string{"d"}, 2, now)

	if !slices.Equal(result.NewGUIDs, []string{"a", "b"}) {
		t.Errorf("Expected new GUIDs [a b], got: %v", result.NewGUIDs)
	}
	// Items past the limit are still seen.
	if len(result.DefunctGUIDs) != 0 {
		t.Errorf("Expected no defunct GUIDs, got: %v", result.DefunctGUIDs)
	}
}

func TestReconcileDuplicateGUIDs(t *testing.T) {
	now := time.Now().UTC()
	parsed := []Item{{GUID: "a", Title: "First"}, {GUID: "a", Title: "Second"}}

	result := Reconcile(parsed, nil, 0, now)

	if len(result.Upserts) != 1 {
		t.Fatalf("Expected 1 upsert, got: %d", len(result.Upserts))
	}
	if result.Upserts[0].Item.Title != "First" {
		t.Errorf("Expected first occurrence to win, got: %s", result.Upserts[0].Item.Title)
	}
}

func TestReconcileNewestItemDate(t *testing.T) {
	now := time.Date(2024, 8, 10, 12, 0, 0, 0, time.UTC)
	older := now.Add(-3 * time.Hour)
	newer := now.Add(-time.Hour)

	parsed := []Item{
		{GUID: "a", PubDate: datePtr(older)},
		{GUID: "b", PubDate: datePtr(newer)},
		{GUID: "c", PubDate: datePtr(now.Add(-30 * time.Minute))},
	}

	result := Reconcile(parsed, []string{"c"}, 100, now)

	if result.NewestItemDate == nil || !result.NewestItemDate.Equal(newer) {
		t.Errorf("Expected newest item date %v, got: %v", newer, result.NewestItemDate)
	}
}
