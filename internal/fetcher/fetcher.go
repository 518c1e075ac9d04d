// Package fetcher downloads workbooks from HTTP(S) URLs.
package fetcher

import "context"

// Fetcher defines the interface for downloading a remote workbook.
type Fetcher interface {
	// Fetch downloads rawURL and returns the body together with the file
	// name the workbook reader should use to pick a format.
	Fetch(ctx context.Context, rawURL string) (*Download, error)
}

// Download is a fetched workbook held in memory.
type Download struct {
	Name string
	Data []byte
}
