package mysql

import (
	"context"
	"time"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/reputation"
)

// PutScore 写入服务商信誉。
func (s *Store) PutScore(ctx context.Context, score reputation.Score) error {
	const stmt = `INSERT INTO provider_reputation (provider_id, score, successes, failures, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE score = VALUES(score), successes = VALUES(successes),
        failures = VALUES(failures), updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		score.ProviderID,
		score.Score,
		score.Successes,
		score.Failures,
		score.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return storageError(err, "写入服务商信誉失败")
	}
	return nil
}

// ListScores 返回全部服务商信誉。
func (s *Store) ListScores(ctx context.Context) ([]reputation.Score, error) {
	const query = `SELECT provider_id, score, successes, failures, updated_at FROM provider_reputation`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询服务商信誉失败")
	}
	defer rows.Close()

	var scores []reputation.Score
	for rows.Next() {
		var (
			score     reputation.Score
			updatedAt int64
		)
		if err := rows.Scan(&score.ProviderID, &score.Score, &score.Successes, &score.Failures, &updatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析服务商信誉失败")
		}
		score.UpdatedAt = time.UnixMilli(updatedAt)
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历服务商信誉失败")
	}
	return scores, nil
}

var _ reputation.Store = (*Store)(nil)
