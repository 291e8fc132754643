//go:build !(cgo && sqlite3_cgo)

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	driverName    = "sqlite3"
	driverPackage = "ncruces/go-sqlite3"
)
