// Package metastore reads and writes the workspace/datastore/layer metadata
// tree. Records are whole JSON documents on disk:
//
//	<root>/<workspace>/data/<datastore>/datastore.json
//	<root>/<workspace>/data/<datastore>/layers/<layer>/layer.json
//	<root>/<workspace>/data/<datastore>/layers/<layer>/sync.json
//
// Reads return the parsed document; writes replace it atomically. There is
// no partial update.
package metastore

import (
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"

	"github.com/omnisource/tessera/pkg/errors"
)

// Ref addresses one layer in the tree.
type Ref struct {
	Workspace string
	Datastore string
	Layer     string
}

func (r Ref) String() string {
	return r.Workspace + ":" + r.Datastore + ":" + r.Layer
}

// DatastoreRecord describes a source database connection.
type DatastoreRecord struct {
	// Type names the connector implementation (postgis, cassandra, mongodb).
	Type string `json:"type"`
	// CredentialsRef is the vault key holding connection credentials.
	CredentialsRef string `json:"credentials_ref"`
}

// SyncSettings configures automatic synchronization for a layer.
type SyncSettings struct {
	Enabled bool `json:"enabled"`
	// PollIntervalSeconds is the desired spacing between runs. The
	// scheduler enforces a floor.
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	// OrderByColumn anchors incremental reads. Empty forces full rescans.
	OrderByColumn string `json:"order_by_column,omitempty"`
}

// LayerRecord describes one published spatial table.
type LayerRecord struct {
	SourceSchema   string `json:"source_schema"`
	SourceTable    string `json:"source_table"`
	GeometryColumn string `json:"geometry_column,omitempty"`
	LatColumn      string `json:"lat_column,omitempty"`
	LngColumn      string `json:"lng_column,omitempty"`
	GeometryType   string `json:"geometry_type,omitempty"`
	SRID           int    `json:"srid,omitempty"`
	// PKColumns build the external feature identity.
	PKColumns []string `json:"pk_columns,omitempty"`
	// Status is "enabled" or "disabled".
	Status string       `json:"status"`
	Sync   SyncSettings `json:"sync"`
}

// SyncSummary is the rolling record of a layer's sync history.
type SyncSummary struct {
	LastSync      time.Time `json:"last_sync"`
	LastMode      string    `json:"last_mode"`
	LastBatchSize int64     `json:"last_batch_size"`
	TotalIngested int64     `json:"total_ingested"`
	SyncCount     int64     `json:"sync_count"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Store is a file-backed metastore rooted at a directory.
type Store struct {
	root string
}

// NewStore opens a metastore rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) datastorePath(ref Ref) string {
	return filepath.Join(s.root, ref.Workspace, "data", ref.Datastore, "datastore.json")
}

func (s *Store) layerDir(ref Ref) string {
	return filepath.Join(s.root, ref.Workspace, "data", ref.Datastore, "layers", ref.Layer)
}

// ReadDatastore loads the datastore document for a layer's datastore.
func (s *Store) ReadDatastore(ref Ref) (*DatastoreRecord, error) {
	var rec DatastoreRecord
	if err := s.readJSON(s.datastorePath(ref), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteDatastore stores a datastore document atomically.
func (s *Store) WriteDatastore(ref Ref, rec *DatastoreRecord) error {
	return s.writeJSON(s.datastorePath(ref), rec)
}

// ReadLayer loads a layer document.
func (s *Store) ReadLayer(ref Ref) (*LayerRecord, error) {
	var rec LayerRecord
	if err := s.readJSON(filepath.Join(s.layerDir(ref), "layer.json"), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteLayer stores a layer document atomically.
func (s *Store) WriteLayer(ref Ref, rec *LayerRecord) error {
	return s.writeJSON(filepath.Join(s.layerDir(ref), "layer.json"), rec)
}

// ReadSyncSummary loads a layer's sync summary. A missing summary is not an
// error; it returns a zero value for layers never synced.
func (s *Store) ReadSyncSummary(ref Ref) (*SyncSummary, error) {
	var sum SyncSummary
	err := s.readJSON(filepath.Join(s.layerDir(ref), "sync.json"), &sum)
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return &SyncSummary{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// WriteSyncSummary stores a layer's sync summary atomically.
func (s *Store) WriteSyncSummary(ref Ref, sum *SyncSummary) error {
	return s.writeJSON(filepath.Join(s.layerDir(ref), "sync.json"), sum)
}

// ListLayers walks the tree and returns every layer reference. Used by the
// scheduler on each tick.
func (s *Store) ListLayers() ([]Ref, error) {
	var refs []Ref

	workspaces, err := readDirNames(s.root)
	if err != nil {
		return nil, err
	}
	for _, ws := range workspaces {
		datastores, err := readDirNames(filepath.Join(s.root, ws, "data"))
		if err != nil {
			return nil, err
		}
		for _, ds := range datastores {
			layers, err := readDirNames(filepath.Join(s.root, ws, "data", ds, "layers"))
			if err != nil {
				return nil, err
			}
			for _, layer := range layers {
				refs = append(refs, Ref{Workspace: ws, Datastore: ds, Layer: layer})
			}
		}
	}
	return refs, nil
}

func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read metastore directory")
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *Store) readJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return errors.Newf(errors.ErrorTypeNotFound, "metastore record %s not found", path)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to read metastore record")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeParse, "malformed metastore record %s", path)
	}
	return nil
}

func (s *Store) writeJSON(path string, in interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to create metastore directory")
	}

	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeParse, "failed to encode metastore record")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to write metastore record")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to commit metastore record")
	}
	return nil
}
