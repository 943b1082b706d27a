package option

import (
	"strconv"

	"github.com/smallbiznis/canvasbanana/pkg/db/pagination"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 250
)

// QueryOption mutates a gorm statement.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type queryOptionFunc func(*gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination adds keyset pagination on the id column. Ids must sort in
// creation order. One extra row is fetched so callers can detect HasMore.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := NormalizePageSize(page.PageSize)
		if page.PageToken != "" {
			cursor, err := pagination.DecodeCursor(page.PageToken)
			if err != nil {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			id, err := strconv.ParseInt(cursor.ID, 10, 64)
			if err != nil {
				_ = db.AddError(ErrInvalidPageToken)
				return db
			}
			db = db.Where("id < ?", id)
		}
		return db.Limit(size + 1)
	})
}

// NormalizePageSize clamps size into [1, MaxPageSize].
func NormalizePageSize(size int) int {
	if size <= 0 {
		return DefaultPageSize
	}
	if size > MaxPageSize {
		return MaxPageSize
	}
	return size
}
