package mysql

import (
	"context"
	"strings"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/settlement"
)

const recordColumns = `settlement_id, agent_id, provider_id, api_id, price, success, error_code, detail,
        reference, tx_hash, elapsed_ms, created_at`

const defaultRecordLimit = 100

// Append 写入一条结算记录，重复的结算 ID 返回 CONFLICT。
func (s *Store) Append(ctx context.Context, r settlement.Record) error {
	const stmt = `INSERT INTO settlement_records (` + recordColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		r.SettlementID,
		r.AgentID,
		r.ProviderID,
		r.APIID,
		amountString(r.Price),
		boolInt(r.Success),
		r.ErrorCode,
		r.Detail,
		r.Reference,
		r.TxHash,
		r.ElapsedMs,
		r.Timestamp,
	)
	if err != nil {
		return storageError(err, "写入结算记录失败")
	}
	return nil
}

// List 按时间倒序返回结算记录。
func (s *Store) List(ctx context.Context, filter settlement.Filter) ([]settlement.Record, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.ProviderID != "" {
		conditions = append(conditions, "provider_id = ?")
		args = append(args, filter.ProviderID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRecordLimit
	}

	query := `SELECT ` + recordColumns + ` FROM settlement_records`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, settlement_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算记录失败")
	}
	defer rows.Close()

	records := make([]settlement.Record, 0)
	for rows.Next() {
		var (
			r       settlement.Record
			price   string
			success int
		)
		if err := rows.Scan(
			&r.SettlementID,
			&r.AgentID,
			&r.ProviderID,
			&r.APIID,
			&price,
			&success,
			&r.ErrorCode,
			&r.Detail,
			&r.Reference,
			&r.TxHash,
			&r.ElapsedMs,
			&r.Timestamp,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算记录失败")
		}
		if r.Price, err = parseAmount("price", price); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结算金额失败")
		}
		r.Success = success == 1
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结算记录失败")
	}
	return records, nil
}

var (
	_ settlement.RecordLog    = (*Store)(nil)
	_ settlement.RecordReader = (*Store)(nil)
)
