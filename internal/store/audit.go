package store

import (
	"context"

	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/shopspring/decimal"
)

// AuditLedger compares every project's cached actual spend with the sum of
// its approved expenses and returns the projects that disagree, ordered by
// project ID. The comparison runs in one transaction.
func (s *SQLStore) AuditLedger(ctx context.Context) ([]types.LedgerDrift, error) {
	var drift []types.LedgerDrift
	err := s.RunInTx(ctx, func(tx Tx) error {
		q := tx.(*sqlTx).q

		cached := make(map[int64]decimal.Decimal)
		var ids []int64
		rows, err := q.QueryContext(ctx, "SELECT id, budget_actual FROM projects ORDER BY id")
		if err != nil {
			return classify("audit projects", err)
		}
		for rows.Next() {
			var id int64
			var actual decimal.Decimal
			if err := rows.Scan(&id, &actual); err != nil {
				rows.Close()
				return classify("scan project", err)
			}
			cached[id] = actual
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return classify("audit projects", err)
		}
		rows.Close()

		computed := make(map[int64]decimal.Decimal, len(ids))
		rows, err = q.QueryContext(ctx, s.dialect.Rebind(
			"SELECT project_id, amount FROM expenses WHERE status = ?"), string(types.ExpenseApproved))
		if err != nil {
			return classify("audit expenses", err)
		}
		defer rows.Close()
		for rows.Next() {
			var projectID int64
			var amount decimal.Decimal
			if err := rows.Scan(&projectID, &amount); err != nil {
				return classify("scan expense", err)
			}
			computed[projectID] = computed[projectID].Add(amount)
		}
		if err := rows.Err(); err != nil {
			return classify("audit expenses", err)
		}

		for _, id := range ids {
			sum := computed[id]
			if !sum.Equal(cached[id]) {
				drift = append(drift, types.LedgerDrift{ProjectID: id, Cached: cached[id], Computed: sum})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drift, nil
}
