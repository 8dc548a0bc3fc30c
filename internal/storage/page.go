// ABOUTME: Page[T] result batches and the opaque continuation cursor
// ABOUTME: Cursors are base64-encoded decimal skip offsets

package storage

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Page is a bounded batch of results plus an optional continuation cursor.
// It is a response value only and is never persisted.
type Page[T any] struct {
	Results    []T     `json:"results"`
	NextPageID *string `json:"next_page_id,omitempty"`
}

// EncodePageID converts a skip offset into an opaque page cursor.
func EncodePageID(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// DecodePageID converts a page cursor back into a skip offset. An empty
// cursor means offset zero.
func DecodePageID(pageID string) (int, error) {
	if pageID == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(pageID)
	if err != nil {
		return 0, fmt.Errorf("invalid page cursor: %w", err)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("invalid page cursor %q", pageID)
	}
	return offset, nil
}

// PaginateSlice slices an already-filtered, insertion-ordered result set
// into a page of at most pageSize items starting at the cursor's offset.
// Components that page over values they do not keep in a Storage (file
// listings, live conversation maps) share the cursor contract through this.
func PaginateSlice[T any](items []T, pageID string, pageSize int) (Page[T], error) {
	offset, err := DecodePageID(pageID)
	if err != nil {
		return Page[T]{}, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + pageSize
	if end > len(items) {
		end = len(items)
	}
	page := Page[T]{Results: items[offset:end]}
	if end < len(items) {
		next := EncodePageID(end)
		page.NextPageID = &next
	}
	return page, nil
}
