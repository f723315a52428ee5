package shared

// DefaultPageSize is used when a caller passes no limit.
const DefaultPageSize = 100

// MaxPageSize caps listing requests.
const MaxPageSize = 1000

// Pagination contains metadata for keyset paginated listings.
type Pagination struct {
	Limit      int    `json:"limit"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// ClampLimit normalises a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
