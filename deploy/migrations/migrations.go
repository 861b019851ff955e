package migrations

import "embed"

// Files 暴露市场与购买任务的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
