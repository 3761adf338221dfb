package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"careledger/pkg/db/option"
	"careledger/services/testutil"
)

type widget struct {
	ID        string `gorm:"column:id;primaryKey"`
	OwnerID   string `gorm:"column:owner_id"`
	Status    string `gorm:"column:status"`
	Rank      int    `gorm:"column:rank"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func seed(t *testing.T) (*gorm.DB, Repository[widget]) {
	t.Helper()
	db := testutil.NewTestDB(t, &widget{})
	repo := ProvideStore[widget](db)
	ctx := context.Background()
	for _, w := range []*widget{
		{ID: "w1", OwnerID: "alice", Status: "TODO", Rank: 3},
		{ID: "w2", OwnerID: "alice", Status: "TODO", Rank: 1},
		{ID: "w3", OwnerID: "bob", Status: "DONE", Rank: 2},
	} {
		require.NoError(t, repo.Create(ctx, w))
	}
	return db, repo
}

func TestFindWithOptions(t *testing.T) {
	_, repo := seed(t)
	ctx := context.Background()

	got, err := repo.Find(ctx, &widget{OwnerID: "alice"}, option.WithSortBy(option.QuerySortBy{
		SortBy:  "rank",
		OrderBy: "asc",
		Allow:   map[string]bool{"rank": true},
	}))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "w2", got[0].ID)

	got, err = repo.Find(ctx, nil, option.ApplyOperator(option.Condition{Field: "rank", Operator: option.GTE, Value: 2}))
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestFindOneMissingIsNil(t *testing.T) {
	_, repo := seed(t)

	got, err := repo.FindOne(context.Background(), &widget{ID: "nope"})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateWhereIsCompareAndSet(t *testing.T) {
	_, repo := seed(t)
	ctx := context.Background()

	n, err := repo.UpdateWhere(ctx, map[string]any{"status": "DONE"},
		option.ApplyOperator(
			option.Condition{Field: "id", Value: "w1"},
			option.Condition{Field: "status", Value: "TODO"},
		))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = repo.UpdateWhere(ctx, map[string]any{"status": "DONE"},
		option.ApplyOperator(
			option.Condition{Field: "id", Value: "w1"},
			option.Condition{Field: "status", Value: "TODO"},
		))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpdateMissingRow(t *testing.T) {
	_, repo := seed(t)
	err := repo.Update(context.Background(), "missing", map[string]any{"status": "DONE"})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestWithTrxRollsBack(t *testing.T) {
	db, repo := seed(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := repo.WithTrx(tx).Create(ctx, &widget{ID: "w4", OwnerID: "carol"}); err != nil {
			return err
		}
		return gorm.ErrInvalidData
	})
	require.ErrorIs(t, err, gorm.ErrInvalidData)

	got, err := repo.Find(ctx, &widget{OwnerID: "carol"})
	require.NoError(t, err)
	require.Empty(t, got)
}
