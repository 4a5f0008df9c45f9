package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	branchmodels "github.com/lyzr/branchsync/cmd/branch/models"
	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/db"
	"github.com/lyzr/branchsync/common/logger"
	"github.com/lyzr/branchsync/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDB connects to BRANCHSYNC_TEST_DATABASE_URL and resets the schema.
// Tests are skipped when the variable is unset.
func openTestDB(t *testing.T) *db.DB {
	t.Helper()

	dsn := os.Getenv("BRANCHSYNC_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BRANCHSYNC_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	database, err := db.Connect(ctx, dsn, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	_, err = database.Exec(ctx, `DROP TABLE IF EXISTS order_line_item, order_request, pending_update, applied_delivery, product CASCADE`)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, database))
	return database
}

func TestProductRepository_InsertAndGet(t *testing.T) {
	repo := NewProductRepository(openTestDB(t))
	ctx := context.Background()

	p, err := repo.Insert(ctx, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.CurrentBalance)

	_, err = repo.Insert(ctx, 1, 5)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	_, err = repo.Insert(ctx, 2, -1)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = repo.Get(ctx, 99)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	all, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProductRepository_ApplyIsIdempotentPerDelivery(t *testing.T) {
	repo := NewProductRepository(openTestDB(t))
	ctx := context.Background()

	res, err := repo.ApplyCreate(ctx, 1, models.CreateChange{ProductID: 7, InitialBalance: 50})
	require.NoError(t, err)
	assert.Equal(t, branchmodels.OutcomeApplied, res.Outcome)

	res, err = repo.ApplyCreate(ctx, 1, models.CreateChange{ProductID: 7, InitialBalance: 50})
	require.NoError(t, err)
	assert.Equal(t, branchmodels.OutcomeDuplicate, res.Outcome)

	for i := 0; i < 3; i++ {
		_, err = repo.ApplyUpdate(ctx, 2, models.UpdateChange{ProductID: 7, CurrentBalance: 40, Delta: -10})
		require.NoError(t, err)
	}

	p, err := repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(40), p.CurrentBalance)

	_, err = repo.ApplyUpdate(ctx, 3, models.UpdateChange{ProductID: 7, CurrentBalance: 0, Delta: -41})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	// rejected delivery is not recorded, so a later retry is not a duplicate
	_, err = repo.ApplyUpdate(ctx, 3, models.UpdateChange{ProductID: 7, CurrentBalance: 0, Delta: -41})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProductRepository_BuffersUpdateBeforeCreate(t *testing.T) {
	repo := NewProductRepository(openTestDB(t))
	ctx := context.Background()

	res, err := repo.ApplyUpdate(ctx, 10, models.UpdateChange{ProductID: 3, CurrentBalance: 70, Delta: -30})
	require.NoError(t, err)
	assert.Equal(t, branchmodels.OutcomeBuffered, res.Outcome)

	res, err = repo.ApplyUpdate(ctx, 11, models.UpdateChange{ProductID: 3, CurrentBalance: 0, Delta: -500})
	require.NoError(t, err)
	assert.Equal(t, branchmodels.OutcomeBuffered, res.Outcome)

	res, err = repo.ApplyCreate(ctx, 9, models.CreateChange{ProductID: 3, InitialBalance: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Drained)
	assert.Equal(t, 1, res.Discarded)

	p, err := repo.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(70), p.CurrentBalance)
}

func TestProductRepository_LocalCreateDrainsBuffered(t *testing.T) {
	repo := NewProductRepository(openTestDB(t))
	ctx := context.Background()

	res, err := repo.ApplyUpdate(ctx, 20, models.UpdateChange{ProductID: 4, CurrentBalance: 15, Delta: 5})
	require.NoError(t, err)
	assert.Equal(t, branchmodels.OutcomeBuffered, res.Outcome)

	p, err := repo.Insert(ctx, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), p.CurrentBalance)

	_, err = repo.ApplyUpdate(ctx, 21, models.UpdateChange{ProductID: 4, CurrentBalance: 13, Delta: -2})
	require.NoError(t, err)

	// the replicated CREATE for a product made here keeps the local balance
	res, err = repo.ApplyCreate(ctx, 22, models.CreateChange{ProductID: 4, InitialBalance: 10})
	require.NoError(t, err)
	assert.Equal(t, branchmodels.OutcomeApplied, res.Outcome)
	assert.Equal(t, 0, res.Drained)

	p, err = repo.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(13), p.CurrentBalance)
}

func TestOrderRepository_DebitAndCompensate(t *testing.T) {
	database := openTestDB(t)
	products := NewProductRepository(database)
	orders := NewOrderRepository(database)
	ctx := context.Background()

	_, err := products.Insert(ctx, 1, 100)
	require.NoError(t, err)

	req, err := orders.CreateRequest(ctx, uuid.New(), []branchmodels.OrderItem{
		{ProductID: 1, Quantity: 30},
		{ProductID: 1, Quantity: 500},
	})
	require.NoError(t, err)
	require.Len(t, req.Items, 2)
	assert.Equal(t, branchmodels.StatusNew, req.Items[0].Status)
	assert.Equal(t, branchmodels.StepCreated, req.Items[0].Step)

	ok := req.Items[0]
	balance, err := orders.Debit(ctx, &ok)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
	assert.Equal(t, branchmodels.StepBalanceApplied, ok.Step)

	tooMuch := req.Items[1]
	balance, err = orders.Debit(ctx, &tooMuch)
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
	assert.Equal(t, branchmodels.StatusInsufficientBalance, tooMuch.Status)

	require.NoError(t, orders.Compensate(ctx, &ok, "publish failed"))
	p, err := products.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.CurrentBalance)

	unfinished, err := orders.ListUnfinished(ctx)
	require.NoError(t, err)
	assert.Len(t, unfinished, 2)

	ok.Step = branchmodels.StepDone
	require.NoError(t, orders.SaveProgress(ctx, &ok))

	got, err := orders.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, branchmodels.StatusFailed, got.Items[0].Status)
	assert.Equal(t, branchmodels.StepDone, got.Items[0].Step)
	require.NotNil(t, got.Items[0].LastError)

	_, err = orders.GetRequest(ctx, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
