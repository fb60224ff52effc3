// Copyright 2024-2026 Aiku AI

// Package upgrades contains the embedded SQL schema migrations for the
// bridge database.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the upgrade table holding all schema revisions.
var Table dbutil.UpgradeTable

//go:embed *.sql
var rawUpgrades embed.FS

func init() {
	Table.RegisterFS(rawUpgrades)
}
