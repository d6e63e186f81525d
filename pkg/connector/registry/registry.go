// Package registry manages source connector registration and instantiation.
// Connector packages register a factory in init; the engine resolves the
// factory by source type when a layer names its datastore.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/omnisource/tessera/pkg/connector/core"
	"github.com/omnisource/tessera/pkg/errors"
	"github.com/omnisource/tessera/pkg/logger"
)

// SourceFactory creates a connector instance from parsed credentials.
type SourceFactory func(creds *core.Credentials) (core.SourceConnector, error)

// Registry maps source types to connector factories.
type Registry struct {
	factories map[core.SourceType]SourceFactory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[core.SourceType]SourceFactory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory for a source type.
func (r *Registry) Register(sourceType core.SourceType, factory SourceFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[sourceType]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "connector %s already registered", sourceType)
	}

	r.factories[sourceType] = factory
	r.logger.Info("connector registered", zap.String("source_type", string(sourceType)))
	return nil
}

// Create instantiates a connector for the given source type.
func (r *Registry) Create(sourceType core.SourceType, creds *core.Credentials) (core.SourceConnector, error) {
	r.mu.RLock()
	factory, exists := r.factories[sourceType]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "connector %s not found", sourceType)
	}

	conn, err := factory(creds)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "failed to create %s connector", sourceType)
	}
	return conn, nil
}

// Has reports whether a source type is registered.
func (r *Registry) Has(sourceType core.SourceType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[sourceType]
	return exists
}

// List returns the registered source types.
func (r *Registry) List() []core.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]core.SourceType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// Register registers a factory with the global registry. Panics on duplicate
// registration since that is always a programming error in an init chain.
func Register(sourceType core.SourceType, factory SourceFactory) {
	if err := globalRegistry.Register(sourceType, factory); err != nil {
		panic(err)
	}
}

// Create instantiates a connector from the global registry.
func Create(sourceType core.SourceType, creds *core.Credentials) (core.SourceConnector, error) {
	return globalRegistry.Create(sourceType, creds)
}

// Has reports whether the global registry knows a source type.
func Has(sourceType core.SourceType) bool {
	return globalRegistry.Has(sourceType)
}

// List returns source types registered with the global registry.
func List() []core.SourceType {
	return globalRegistry.List()
}
