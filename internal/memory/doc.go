// Package memory defines the retrieval data model: memory items (episodes
// and event-log facts), scored candidates, retrieval modes, data sources,
// filters and the SearchResult returned to callers.
//
// Every value here is created per query and owned by the caller once
// returned. Nothing in this package performs I/O.
package memory
