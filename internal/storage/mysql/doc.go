// Package mysql 提供市场状态在 MySQL 上的持久化：服务目录、智能体账户、
// 服务商信誉与结算记录。表结构由 deploy/migrations 中的迁移文件维护。
package mysql
