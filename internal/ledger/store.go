package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is the transaction ledger. Implementations make Create idempotent on
// TxIdentifier and UpdateByIdentifier atomic and conditional on the expected status.
type Store interface {
	// Create inserts rec unless a row with the same TxIdentifier exists, in which case
	// the stored row is returned unchanged with created=false.
	Create(ctx context.Context, rec PaymentRecord) (PaymentRecord, bool, error)
	// UpdateByIdentifier applies upd to the row matching txID and expected.
	UpdateByIdentifier(ctx context.Context, txID string, expected Status, upd Update) (PaymentRecord, error)
	GetByIdentifier(ctx context.Context, txID string) (PaymentRecord, error)
	// QueryByOwner lists the owner's records newest first.
	QueryByOwner(ctx context.Context, ownerID string, filter Filter) ([]PaymentRecord, error)
	// ListPending lists pending rows created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]PaymentRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

const recordColumns = `id, owner_id, wallet_address, amount, currency_code, status, tx_identifier, recipient, order_ref, created_at, updated_at`

// ownerQuery builds the filtered owner listing; placeholder renders the n-th bind parameter.
func ownerQuery(selectCols, ownerID string, f Filter, placeholder func(int) string, timeArg func(time.Time) any) (string, []any) {
	var b strings.Builder
	args := []any{ownerID}
	fmt.Fprintf(&b, "SELECT %s FROM payment_records WHERE owner_id = %s", selectCols, placeholder(1))

	add := func(clause string, v any) {
		args = append(args, v)
		fmt.Fprintf(&b, " AND %s %s", clause, placeholder(len(args)))
	}
	if f.Status != "" {
		add("status =", string(f.Status))
	}
	if f.Currency != "" {
		add("currency_code =", strings.ToUpper(f.Currency))
	}
	if f.From != nil {
		add("created_at >=", timeArg(f.From.UTC()))
	}
	if f.To != nil {
		add("created_at <", timeArg(f.To.UTC()))
	}

	args = append(args, f.limit())
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id DESC LIMIT %s", placeholder(len(args)))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET %s", placeholder(len(args)))
	}
	return b.String(), args
}
