package mysql

import (
	"context"

	"NUMA-Market/internal/account"
	xerrors "NUMA-Market/internal/errors"
)

// PutAgent 写入智能体资料与当前余额。
func (s *Store) PutAgent(ctx context.Context, state account.State) error {
	const stmt = `INSERT INTO agents (id, name, min_reputation, strategy, balance, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), min_reputation = VALUES(min_reputation),
        strategy = VALUES(strategy), balance = VALUES(balance), updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		state.ID,
		state.Name,
		state.MinReputation,
		state.Strategy,
		amountString(state.Balance),
		state.CreatedAt,
		s.now().UnixMilli(),
	)
	if err != nil {
		return storageError(err, "写入智能体失败")
	}
	return nil
}

// ListAgents 返回全部智能体。
func (s *Store) ListAgents(ctx context.Context) ([]account.State, error) {
	const query = `SELECT id, name, min_reputation, strategy, balance, created_at FROM agents ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	defer rows.Close()

	var states []account.State
	for rows.Next() {
		var (
			state   account.State
			balance string
		)
		if err := rows.Scan(&state.ID, &state.Name, &state.MinReputation, &state.Strategy, &balance, &state.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体失败")
		}
		if state.Balance, err = parseAmount("balance", balance); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体余额失败")
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return states, nil
}

var _ account.Store = (*Store)(nil)
