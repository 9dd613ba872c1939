// Package feed implements the change-feed provider boundary: a websocket
// client for row-level change subscriptions and an HTTP client for the three
// remote mutation primitives (insert, update, delete).
//
// The rest of the engine consumes these through narrow interfaces defined at
// the consumer side; this package holds the concrete transports.
package feed

import "fmt"

// Channel topics follow the provider convention "public:<table>", optionally
// narrowed by an equality filter on one column.

// ChannelName returns the topic for a table-scoped channel.
func ChannelName(table string) string {
	return fmt.Sprintf("public:%s", table)
}

// FilteredChannelName returns the topic for a table channel narrowed to rows
// where column equals value.
func FilteredChannelName(table, column, value string) string {
	return fmt.Sprintf("public:%s:%s=eq.%s", table, column, value)
}
