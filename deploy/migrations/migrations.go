package migrations

import (
	"embed"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按数据库方言分目录存放。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// MySQL 返回 MySQL 方言的迁移文件。
func MySQL() fs.FS { return sub("mysql") }

// SQLite 返回 SQLite 方言的迁移文件。
func SQLite() fs.FS { return sub("sqlite") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(Files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
