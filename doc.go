// Package tessera provides a spatial change capture and distribution engine.
// It synchronizes geometry-bearing tables out of operational databases into a
// PostGIS feature store, indexes every feature into hexagonal cells, and
// streams the resulting changes to live subscribers.
//
// # Architecture
//
// Tessera is organized around four stages:
//
// 1. Source connectors (pkg/connector) introspect and stream rows from
// PostGIS, Cassandra, and MongoDB behind a single SourceConnector contract.
// Connectors register themselves at init time and are created by type through
// the registry.
//
// 2. Extraction (pkg/extract, pkg/geo) turns uniform rows into features:
// geometry normalization from WKB, EWKB, hex, WKT, and GeoJSON encodings,
// stable external identities from primary keys, and content hashes for
// change detection.
//
// 3. The sink (pkg/sink) writes feature batches transactionally into a
// PostGIS schema together with their H3 cell index, and records per-table
// sync checkpoints.
//
// 4. Distribution (internal/stream, internal/server) fans ingestion events
// out to WebSocket, Server-Sent Events, and polling subscribers, each with
// its own viewport filter and delivery cursor.
//
// Synchronization runs (internal/sync) pick incremental or full-rescan mode
// per layer, and a scheduler dispatches due layers on a fixed tick without
// overlapping runs.
//
// # Quick Start
//
// Run one sync for a configured layer:
//
//	tessera sync <workspace> <datastore> <layer>
//
// Run the scheduler and streaming server:
//
//	tessera serve
//
// Discover spatial tables in a source database:
//
//	tessera introspect <workspace> <datastore>
//
// # Key Packages
//
//	pkg/connector  - Source connector framework and implementations
//	pkg/extract    - Row-to-feature extraction and content hashing
//	pkg/geo        - Geometry normalization and H3 cell indexing
//	pkg/sink       - PostGIS feature store and checkpoint storage
//	pkg/metastore  - Workspace/datastore/layer metadata tree
//	pkg/vault      - Credential storage
//	internal/sync  - Sync orchestration and scheduling
//	internal/stream - Subscription broker and delivery cursors
//	internal/server - HTTP, WebSocket, and SSE surfaces
//
// # Configuration
//
// Configuration loads from an optional YAML file, overridden by TESSERA_*
// environment variables. See pkg/config for the full key set and defaults.
package tessera
