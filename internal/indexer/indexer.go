// Package indexer fetches NZB documents from Newznab indexers and plain
// URLs.
package indexer

import "context"

// Download is one fetched NZB with the naming hints its source sent.
type Download struct {
	Name     string
	Category string
	Data     []byte
}

// Indexer is the contract any NZB source must fulfil.
type Indexer interface {
	Name() string
	DownloadNZB(ctx context.Context, id string) (*Download, error)
}
