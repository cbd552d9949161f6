package conversation

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rt4orgs/textflow/internal/intelligence"
)

func TestMemoryTemplateStore(t *testing.T) {
	store := NewMemoryTemplateStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "rep-1", "pricing_question", "It's $500"))
	require.NoError(t, store.Put(ctx, "rep-1", "stalled.unrecognized", "Still there?"))

	err := store.Put(ctx, "rep-1", "warm_lead", "nope")
	assert.ErrorIs(t, err, intelligence.ErrInvalidCatalog)
	assert.Error(t, store.Put(ctx, " ", "question", "x"))

	set, err := store.Overrides(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pricing_question": "It's $500", "stalled.unrecognized": "Still there?"}, set)

	set["pricing_question"] = "mutated"
	again, _ := store.Overrides(ctx, "rep-1")
	assert.Equal(t, "It's $500", again["pricing_question"])

	require.NoError(t, store.Delete(ctx, "rep-1", "pricing_question"))
	assert.ErrorIs(t, store.Delete(ctx, "rep-1", "pricing_question"), ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "rep-2", "question"), ErrNotFound)

	empty, err := store.Overrides(ctx, "rep-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresTemplateStore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresTemplateStoreWithDB(mock)
	ctx := context.Background()

	mock.ExpectQuery("SELECT template_key, body FROM owner_templates").
		WithArgs("rep-1").
		WillReturnRows(pgxmock.NewRows([]string{"template_key", "body"}).
			AddRow("question", "Ask away").
			AddRow("won", ""))
	set, err := store.Overrides(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"question": "Ask away", "won": ""}, set)

	mock.ExpectExec("INSERT INTO owner_templates").
		WithArgs("rep-1", "question", "New text").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Put(ctx, "rep-1", "question", "New text"))

	mock.ExpectExec("DELETE FROM owner_templates").
		WithArgs("rep-1", "objection").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.ErrorIs(t, store.Delete(ctx, "rep-1", "objection"), ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
