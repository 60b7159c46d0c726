// paginate.go walks the venue's windowed history endpoints.
//
// The history endpoints cap every request at a 7-day time range and 1000
// rows, returned in ascending time order. Paginator slices [start, end) into
// 7-day windows; inside a window, a full page advances the cursor to the last
// row's timestamp plus one millisecond, and a short page ends the window.
package exchange

import (
	"context"
	"time"
)

const (
	historyWindow   = 7 * 24 * time.Hour
	historyPageSize = 1000
)

// Page is one fetch of up to limit rows in [start, end).
type Page func(ctx context.Context, start, end time.Time, limit int) (rowCount int, lastRowTime time.Time, err error)

// Paginate walks [start, end) through windowed, row-capped pages, invoking
// fetch for each page. fetch processes the rows itself and reports how many
// it saw and the timestamp of the last one.
func Paginate(ctx context.Context, start, end time.Time, fetch Page) error {
	for winStart := start; winStart.Before(end); {
		winEnd := winStart.Add(historyWindow)
		if winEnd.After(end) {
			winEnd = end
		}

		cursor := winStart
		for {
			n, last, err := fetch(ctx, cursor, winEnd, historyPageSize)
			if err != nil {
				return err
			}
			if n < historyPageSize {
				break
			}
			next := last.Add(time.Millisecond)
			if !next.After(cursor) {
				// A full page of rows sharing one timestamp would loop
				// forever; step past it and accept the gap.
				next = cursor.Add(time.Millisecond)
			}
			cursor = next
		}
		winStart = winEnd
	}
	return nil
}
