package migrations

import "embed"

// FS holds the per-dialect schema migrations under postgres/ and sqlite/.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
