package store

import (
	"github.com/hyperengineering/forge/internal/apply"
	"github.com/hyperengineering/forge/internal/txindex"
)

// Compile-time checks that SQLiteStore satisfies its consumers.
var (
	_ Store          = (*SQLiteStore)(nil)
	_ apply.Store    = (*SQLiteStore)(nil)
	_ txindex.Ledger = (*SQLiteStore)(nil)
	_ txindex.Index  = (*SQLiteStore)(nil)
)
