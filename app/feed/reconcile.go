package feed

import (
	"crypto/md5"
	"encoding/hex"
	"time"

	"github.com/samber/lo"
)

// Upsert is a parsed item selected for storage with its canonical identity.
type Upsert struct {
	GUID string
	Date time.Time
	Item Item
}

type Reconciliation struct {
	Upserts        []Upsert
	NewGUIDs       []string // GUIDs of Upserts, in document order
	DefunctGUIDs   []string // Stored GUIDs missing from the document
	RetainedGUIDs  []string // Stored GUIDs present in the document
	NewestItemDate *time.Time
}

// ItemGUID returns the item's GUID, or a hex MD5 of title and link when the
// source provides none.
func ItemGUID(item Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	sum := md5.Sum([]byte(item.Title + item.Link))
	return hex.EncodeToString(sum[:])
}

// ItemDate returns the item's update date, else its publication date, else
// now. Dates after now are clamped to now.
func ItemDate(item Item, now time.Time) time.Time {
	candidate := now
	switch {
	case item.Date != nil && !item.Date.IsZero():
		candidate = *item.Date
	case item.PubDate != nil && !item.PubDate.IsZero():
		candidate = *item.PubDate
	}
	if candidate.After(now) {
		return now
	}
	return candidate
}

// Reconcile diffs a parsed document against the GUIDs already stored for the
// feed. Every parsed item counts as seen, but only the first maxItems are
// considered for storage, and only when their GUID is not stored yet. The
// first occurrence wins when a document repeats a GUID. A non-positive
// maxItems disables truncation.
func Reconcile(parsed []Item, existing []string, maxItems int, now time.Time) Reconciliation {
	guids := lo.Map(parsed, func(item Item, _ int) string {
		return ItemGUID(item)
	})
	seen := lo.Uniq(guids)

	_, defunct := lo.Difference(seen, existing)
	retained := lo.Intersect(existing, seen)

	limit := len(parsed)
	if maxItems > 0 && maxItems < limit {
		limit = maxItems
	}

	known := lo.SliceToMap(existing, func(guid string) (string, struct{}) {
		return guid, struct{}{}
	})

	result := Reconciliation{
		DefunctGUIDs:  defunct,
		RetainedGUIDs: retained,
	}

	for i, item := range parsed[:limit] {
		guid := guids[i]
		if _, ok := known[guid]; ok {
			continue
		}
		known[guid] = struct{}{}

		date := ItemDate(item, now)
		result.Upserts = append(result.Upserts, Upsert{GUID: guid, Date: date, Item: item})
		result.NewGUIDs = append(result.NewGUIDs, guid)

		if result.NewestItemDate == nil || date.After(*result.NewestItemDate) {
			newest := date
			result.NewestItemDate = &newest
		}
	}

	return result
}
