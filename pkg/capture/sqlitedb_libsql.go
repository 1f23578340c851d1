//go:build cgo

package capture

import (
	_ "github.com/tursodatabase/go-libsql"
)

const driverLibsql = "libsql"
