// Package migrations embeds the archive schema so binaries can apply it
// without a checkout.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
