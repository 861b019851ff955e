package mysql

import (
	"context"

	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
)

const listingColumns = `provider_id, api_id, name, description, category, endpoint, endpoint_type, pay_to,
        price, reputation, active, calls, successful_calls, earnings, created_at, updated_at`

// PutListing 写入或覆盖一条服务目录记录。
func (s *Store) PutListing(ctx context.Context, l catalog.Listing) error {
	const stmt = `INSERT INTO listings (` + listingColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE name = VALUES(name), description = VALUES(description), category = VALUES(category),
        endpoint = VALUES(endpoint), endpoint_type = VALUES(endpoint_type), pay_to = VALUES(pay_to), price = VALUES(price),
        reputation = VALUES(reputation), active = VALUES(active), calls = VALUES(calls),
        successful_calls = VALUES(successful_calls), earnings = VALUES(earnings), updated_at = VALUES(updated_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		l.ProviderID,
		l.APIID,
		l.Name,
		l.Description,
		l.Category,
		l.Endpoint,
		string(l.EndpointType),
		l.PayTo,
		amountString(l.Price),
		l.Reputation,
		boolInt(l.Active),
		l.Stats.Calls,
		l.Stats.SuccessfulCalls,
		amountString(l.Stats.Earnings),
		l.CreatedAt,
		l.UpdatedAt,
	)
	if err != nil {
		return storageError(err, "写入服务目录失败")
	}
	return nil
}

// ListListings 返回全部服务目录记录，包括已下架的。
func (s *Store) ListListings(ctx context.Context) ([]catalog.Listing, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY provider_id, api_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询服务目录失败")
	}
	defer rows.Close()

	var listings []catalog.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析服务目录失败")
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历服务目录失败")
	}
	return listings, nil
}

func scanListing(row scanner) (catalog.Listing, error) {
	var (
		l            catalog.Listing
		endpointType string
		price        string
		earnings     string
		active       int
	)
	if err := row.Scan(
		&l.ProviderID,
		&l.APIID,
		&l.Name,
		&l.Description,
		&l.Category,
		&l.Endpoint,
		&endpointType,
		&l.PayTo,
		&price,
		&l.Reputation,
		&active,
		&l.Stats.Calls,
		&l.Stats.SuccessfulCalls,
		&earnings,
		&l.CreatedAt,
		&l.UpdatedAt,
	); err != nil {
		return catalog.Listing{}, err
	}
	var err error
	if l.Price, err = parseAmount("price", price); err != nil {
		return catalog.Listing{}, err
	}
	if l.Stats.Earnings, err = parseAmount("earnings", earnings); err != nil {
		return catalog.Listing{}, err
	}
	l.EndpointType = catalog.EndpointType(endpointType)
	l.Active = active == 1
	return l, nil
}

var _ catalog.Store = (*Store)(nil)
