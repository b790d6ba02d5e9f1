// Package migrations embeds the tenant schema migrations so the server binary
// can migrate a schema without a checkout of the repository.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
