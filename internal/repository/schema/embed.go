package schema

import "embed"

// Files holds the SQL schema files, applied in filename order.
//
//go:embed *.sql
var Files embed.FS
