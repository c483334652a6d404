package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(context.Background(), MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func strPtr(v string) *string { return &v }

func pendingRecord(owner, tx string) PaymentRecord {
	rec := PaymentRecord{
		OwnerID:       owner,
		WalletAddress: "0x00000000000000000000000000000000000000aa",
		Amount:        decimal.RequireFromString("25.5"),
		CurrencyCode:  "usdc",
		Status:        StatusPending,
	}
	if tx != "" {
		rec.TxIdentifier = strPtr(tx)
	}
	return rec
}

func TestCreateIsIdempotentOnTxIdentifier(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, created, err := store.Create(ctx, pendingRecord("merchant-1", "0xabc"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "USDC", first.CurrencyCode)

	dup := pendingRecord("merchant-1", "0xabc")
	dup.Amount = decimal.NewFromInt(999)
	second, created, err := store.Create(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
	require.True(t, second.Amount.Equal(first.Amount), "stored row must be returned unchanged")

	rows, err := store.QueryByOwner(ctx, "merchant-1", Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestConcurrentCreateYieldsSingleRow(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[uuid.UUID]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := store.Create(ctx, pendingRecord("merchant-1", "0xdup"))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[rec.ID] = struct{}{}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, created)
	require.Len(t, ids, 1)
}

func TestNullTxIdentifiersAreNotUnique(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, created, err := store.Create(ctx, pendingRecord("merchant-2", ""))
		require.NoError(t, err)
		require.True(t, created)
	}
	blank := pendingRecord("merchant-2", "  ")
	rec, created, err := store.Create(ctx, blank)
	require.NoError(t, err)
	require.True(t, created)
	require.Nil(t, rec.TxIdentifier)

	rows, err := store.QueryByOwner(ctx, "merchant-2", Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 4)
}

func TestStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.Create(ctx, pendingRecord("m", "0x1"))
	require.NoError(t, err)

	done, err := store.UpdateByIdentifier(ctx, "0x1", StatusPending, StatusUpdate(StatusCompleted))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.False(t, done.UpdatedAt.Before(done.CreatedAt))

	_, err = store.UpdateByIdentifier(ctx, "0x1", StatusCompleted, StatusUpdate(StatusFailed))
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.UpdateByIdentifier(ctx, "0x1", StatusPending, StatusUpdate(StatusFailed))
	require.ErrorIs(t, err, ErrNotFound)

	stored, err := store.GetByIdentifier(ctx, "0x1")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, stored.Status)
}

func TestUpdateFieldsWhilePending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.Create(ctx, pendingRecord("m", "0x2"))
	require.NoError(t, err)

	rec, err := store.UpdateByIdentifier(ctx, "0x2", StatusPending, Update{Recipient: strPtr("0xbeef"), OrderRef: strPtr("order-7")})
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, "0xbeef", *rec.Recipient)
	require.Equal(t, "order-7", *rec.OrderRef)
}

func TestConcurrentUpdatesOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.Create(ctx, pendingRecord("m", "0x3"))
	require.NoError(t, err)

	targets := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusCompleted, StatusFailed, StatusCompleted}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for _, target := range targets {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			_, err := store.UpdateByIdentifier(ctx, "0x3", StatusPending, StatusUpdate(to))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected update error: %v", err)
			}
		}(target)
	}
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, len(targets)-1, notFound)
}

func TestUpdateUnknownIdentifier(t *testing.T) {
	store := newTestStore(t)
	_, err := store.UpdateByIdentifier(context.Background(), "0xnope", StatusPending, StatusUpdate(StatusCompleted))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetByIdentifier(context.Background(), "0xnope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryByOwnerNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, cur := range []string{"USDC", "USDT", "USDC", "CNGN"} {
		rec := pendingRecord("owner", "0xq"+string(rune('a'+i)))
		rec.CurrencyCode = cur
		rec.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		_, _, err := store.Create(ctx, rec)
		require.NoError(t, err)
	}
	_, _, err := store.Create(ctx, pendingRecord("someone-else", "0xother"))
	require.NoError(t, err)
	_, err = store.UpdateByIdentifier(ctx, "0xqa", StatusPending, StatusUpdate(StatusCompleted))
	require.NoError(t, err)

	all, err := store.QueryByOwner(ctx, "owner", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, "0xqd", all[0].TxID())
	require.Equal(t, "0xqa", all[3].TxID())

	usdc, err := store.QueryByOwner(ctx, "owner", Filter{Currency: "usdc"})
	require.NoError(t, err)
	require.Len(t, usdc, 2)

	completed, err := store.QueryByOwner(ctx, "owner", Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)

	from := base.Add(time.Hour)
	to := base.Add(3 * time.Hour)
	window, err := store.QueryByOwner(ctx, "owner", Filter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 2)

	page, err := store.QueryByOwner(ctx, "owner", Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "0xqc", page[0].TxID())
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	old := pendingRecord("m", "0xold")
	old.CreatedAt = now.Add(-time.Hour)
	fresh := pendingRecord("m", "0xfresh")
	fresh.CreatedAt = now
	doneRec := pendingRecord("m", "0xdone")
	doneRec.CreatedAt = now.Add(-2 * time.Hour)
	for _, rec := range []PaymentRecord{old, fresh, doneRec} {
		_, _, err := store.Create(ctx, rec)
		require.NoError(t, err)
	}
	_, err := store.UpdateByIdentifier(ctx, "0xdone", StatusPending, StatusUpdate(StatusFailed))
	require.NoError(t, err)

	pending, err := store.ListPending(ctx, now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "0xold", pending[0].TxID())
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	bad := []PaymentRecord{
		{Amount: decimal.NewFromInt(1), CurrencyCode: "USDC"},
		{OwnerID: "m", Amount: decimal.Zero, CurrencyCode: "USDC"},
		{OwnerID: "m", Amount: decimal.NewFromInt(1)},
		{OwnerID: "m", Amount: decimal.NewFromInt(1), CurrencyCode: "USDC", Status: "settled"},
	}
	for i, rec := range bad {
		_, _, err := store.Create(ctx, rec)
		require.ErrorIs(t, err, ErrInvalidRecord, "case %d", i)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	n, err := store.Migrate(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNilStoreNotConfigured(t *testing.T) {
	var store *SQLiteStore
	_, _, err := store.Create(context.Background(), pendingRecord("m", "0x"))
	require.ErrorIs(t, err, ErrNotConfigured)
}
