package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid_cursor")

// Pagination is the query shape of list endpoints. The binding tag is
// evaluated by gin's validator when the query is bound.
type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size,default=10" binding:"gte=1,lte=250"`
}

// Cursor points at the last row of a page. ID is the keyset column.
type Cursor struct {
	ID string `json:"id"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token"`
	HasMore       bool   `json:"has_more"`
}

// EncodeCursor renders an opaque, URL-safe page token.
func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, ErrInvalidCursor
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, ErrInvalidCursor
	}
	if cursor.ID == "" {
		return nil, ErrInvalidCursor
	}
	return &cursor, nil
}

// BuildCursorPageInfo expects data fetched with limit+1 rows. It trims the
// extra row and returns the page with the token of its last element.
func BuildCursorPageInfo[T any](data []*T, limit int32, extractCursor func(*T) Cursor) ([]*T, PageInfo, error) {
	if len(data) <= int(limit) {
		return data, PageInfo{}, nil
	}

	data = data[:limit]
	token, err := EncodeCursor(extractCursor(data[len(data)-1]))
	if err != nil {
		return nil, PageInfo{}, err
	}
	return data, PageInfo{NextPageToken: token, HasMore: true}, nil
}
