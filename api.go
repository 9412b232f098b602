package lakedb

import (
	"github.com/kartikbazzad/lakedb/internal/config"
	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/index/fts"
	"github.com/kartikbazzad/lakedb/internal/index/hnsw"
	"github.com/kartikbazzad/lakedb/internal/query"
	"github.com/kartikbazzad/lakedb/internal/types"
)

// Aliases re-export the embedder-facing types so applications never
// import internal packages.
type (
	// Config is the root configuration object.
	Config = config.Config

	// Filter is a MongoDB-style filter document.
	Filter = query.Filter

	// Entity is a stored document with audit fields and a version.
	Entity = types.Entity
	// Relationship is a directed, predicate-tagged edge.
	Relationship = types.Relationship
	// Event is one immutable mutation record.
	Event = types.Event

	// VectorConfig tunes an HNSW index.
	VectorConfig = hnsw.Config
	// VectorSearchOptions tunes one vector search.
	VectorSearchOptions = hnsw.SearchOptions
	// VectorHit is one vector search result.
	VectorHit = hnsw.Hit

	// FTSConfig tunes a full-text index.
	FTSConfig = fts.Config
	// FTSFuzzyConfig tunes fuzzy term expansion.
	FTSFuzzyConfig = fts.FuzzyConfig
	// FTSSearchOptions tunes one full-text search.
	FTSSearchOptions = fts.SearchOptions
)

// Vector metrics and precisions.
const (
	MetricCosine    = hnsw.Cosine
	MetricEuclidean = hnsw.Euclidean
	MetricDot       = hnsw.Dot

	PrecisionFloat32 = hnsw.Float32
	PrecisionFloat64 = hnsw.Float64
)

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig reads a config file plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Error category predicates, re-exported for embedders.
var (
	IsNotFound   = errors.IsNotFound
	IsConflict   = errors.IsConflict
	IsValidation = errors.IsValidation
	IsStorage    = errors.IsStorage
	IsRetryable  = errors.IsRetryable
)

// ErrorCode returns the stable code of an engine error, or "UNKNOWN"
// for foreign errors.
func ErrorCode(err error) string {
	return string(errors.CodeOf(err))
}
