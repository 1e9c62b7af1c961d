package embedding

import "github.com/lysyi3m/feeder/app/database"

// ItemText is the text an item is embedded from.
func ItemText(item database.FeedItem) string {
	return item.Title + "\n" + item.Link + "\n\n" + item.Content
}
