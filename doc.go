// Package melchi replicates tables from a source data warehouse into a local
// analytical store and keeps the copy incrementally current via change data
// capture (CDC).
//
// Melchi manages the full replication lifecycle:
//
//  1. Setup: creates target tables from mapped source schemas, and for
//     stream-backed tables creates the source-side change tracking objects
//     (a stream plus a processing table) in a dedicated change tracking
//     schema.
//
//  2. Sync: for each configured table, drains pending changes from the
//     source stream into the processing table, normalizes them into an
//     ordered change batch, and applies them to the target inside a single
//     transaction together with the sync metadata update. Only after that
//     transaction commits is the source-side processing table truncated, so
//     a crash at any point is recoverable by rerunning the sync.
//
// Three replication strategies are supported per table: full_refresh
// (truncate and reload), standard_stream (incremental upsert/delete keyed by
// row identity), and append_only_stream (insert-only).
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/ryanwith/melchi/pkg/config"
//	    "github.com/ryanwith/melchi/pkg/engine"
//	)
//
//	cfg, err := config.Load("config.yaml")
//	if err != nil { ... }
//
//	eng, err := engine.New(cfg)
//	if err != nil { ... }
//	defer eng.Close()
//
//	report, err := eng.Sync(context.Background())
//
// The melchi CLI (cmd/melchi) drives the same engine with the setup,
// sync_data, and generate_source_sql verbs.
package melchi
