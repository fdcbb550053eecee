package postgresql

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/shared"
)

var selectContent = regexp.QuoteMeta(`SELECT content FROM documents WHERE id = $1`)
var updateContent = regexp.QuoteMeta(`UPDATE documents SET content = $2, updated_at = now() WHERE id = $1`)

func TestGetContentByID(t *testing.T) {
	c, mock := CreateMockConnection(t)
	defer mock.Close()

	mock.ExpectQuery(selectContent).
		WithArgs("doc-1").
		WillReturnRows(pgxmock.NewRows([]string{"content"}).AddRow("Hello"))

	content, err := c.GetContentByID(context.Background(), "doc-1")
	assert.NoError(t, err)
	assert.Equal(t, "Hello", content)
	assert.True(t, c.IsKnown("doc-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContentByIDNotFound(t *testing.T) {
	c, mock := CreateMockConnection(t)
	defer mock.Close()

	mock.ExpectQuery(selectContent).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"content"}))

	_, err := c.GetContentByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, shared.ErrDocumentNotFound))

	// Second lookup is served from the negative cache, no query expected.
	_, err = c.GetContentByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, shared.ErrDocumentNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContentByIDNegativeCacheExpires(t *testing.T) {
	c, mock := CreateMockConnection(t)
	defer mock.Close()

	mock.ExpectQuery(selectContent).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"content"}))
	mock.ExpectQuery(selectContent).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"content"}).AddRow("created later"))

	_, err := c.GetContentByID(context.Background(), "missing")
	assert.True(t, errors.Is(err, shared.ErrDocumentNotFound))

	time.Sleep(80 * time.Millisecond)

	content, err := c.GetContentByID(context.Background(), "missing")
	assert.NoError(t, err)
	assert.Equal(t, "created later", content)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetContent(t *testing.T) {
	c, mock := CreateMockConnection(t)
	defer mock.Close()

	mock.ExpectExec(updateContent).
		WithArgs("doc-1", "Hello World").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := c.SetContent(context.Background(), "doc-1", "Hello World")
	assert.NoError(t, err)
	assert.True(t, c.IsKnown("doc-1"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetContentMissingDocument(t *testing.T) {
	c, mock := CreateMockConnection(t)
	defer mock.Close()

	mock.ExpectExec(updateContent).
		WithArgs("gone", "text").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := c.SetContent(context.Background(), "gone", "text")
	assert.True(t, errors.Is(err, shared.ErrDocumentNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetContentClearsNegativeCache(t *testing.T) {
	c, mock := CreateMockConnection(t)
	defer mock.Close()

	mock.ExpectQuery(selectContent).
		WithArgs("doc-2").
		WillReturnRows(pgxmock.NewRows([]string{"content"}))
	mock.ExpectExec(updateContent).
		WithArgs("doc-2", "x").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(selectContent).
		WithArgs("doc-2").
		WillReturnRows(pgxmock.NewRows([]string{"content"}).AddRow("x"))

	_, err := c.GetContentByID(context.Background(), "doc-2")
	assert.True(t, errors.Is(err, shared.ErrDocumentNotFound))

	assert.NoError(t, c.SetContent(context.Background(), "doc-2", "x"))

	content, err := c.GetContentByID(context.Background(), "doc-2")
	assert.NoError(t, err)
	assert.Equal(t, "x", content)

	assert.NoError(t, mock.ExpectationsWereMet())
}
