package pagination

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct{ id int }

func rows(n int) []*row {
	out := make([]*row, 0, n)
	for i := n; i > 0; i-- {
		out = append(out, &row{id: i})
	}
	return out
}

func rowCursor(r *row) Cursor { return Cursor{ID: strconv.Itoa(r.id)} }

func TestCursorTokenIsURLSafe(t *testing.T) {
	token, err := EncodeCursor(Cursor{ID: "1834567890123456789"})
	require.NoError(t, err)
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")

	cursor, err := DecodeCursor(token)
	require.NoError(t, err)
	assert.Equal(t, "1834567890123456789", cursor.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	empty, err := EncodeCursor(Cursor{})
	require.NoError(t, err)

	for _, token := range []string{"%%", "bm90LWpzb24", empty} {
		_, err := DecodeCursor(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token=%q", token)
	}
}

func TestBuildCursorPageInfo(t *testing.T) {
	page, info, err := BuildCursorPageInfo(rows(3), 3, rowCursor)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Equal(t, PageInfo{}, info)

	page, info, err = BuildCursorPageInfo(rows(4), 3, rowCursor)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(page[2].id), cursor.ID)
}
