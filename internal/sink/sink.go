// Package sink holds the destinations the watcher records matches to.
package sink

import "context"

// Recorder is an append-only tabular destination. Implementations
// serialize appends internally; EnsureHeader is idempotent.
type Recorder interface {
	EnsureHeader(ctx context.Context, columns []string) error
	AppendRow(ctx context.Context, values []string) error
	Close() error
}

// Resolved describes where a sheet reference pointed.
type Resolved struct {
	SpreadsheetTitle string `json:"spreadsheet_title"`
	WorksheetTitle   string `json:"worksheet_title"`
	SpreadsheetID    string `json:"spreadsheet_id"`
	WorksheetID      int64  `json:"worksheet_id"`
}

// SheetOpener binds a Recorder to a spreadsheet reference (URL or id).
type SheetOpener interface {
	OpenSheet(ctx context.Context, ref string) (Recorder, Resolved, error)
}
