package migrations

import "embed"

// Files 暴露订单、报价与协商记录表的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
