// Package migrations embeds the schema. Files are applied in name order on every start
// and must stay idempotent.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
