package mysql

import (
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "NUMA-Market/internal/errors"
)

const duplicateEntry = 1062

// Store 在同一个连接池上实现目录、账户、信誉与结算记录的存储接口。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore 基于已打开的连接池创建 Store，连接池由调用方关闭。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

type scanner interface {
	Scan(dest ...any) error
}

func storageError(err error, msg string) error {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry {
		return xerrors.Wrap(xerrors.CodeConflict, err, msg)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(field, raw string) (*big.Int, error) {
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s 字段 %q 不是整数金额", field, raw)
	}
	return v, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
