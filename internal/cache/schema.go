package cache

// SQL schemas for the provider response cache tables.
// All tables use "cache_key" as the primary key column for consistency.

// ISBNdbCacheSchema defines the schema for the ISBNdb response cache.
const ISBNdbCacheSchema = `
CREATE TABLE IF NOT EXISTS isbndb_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_isbndb_cached_at ON isbndb_cache(cached_at);
`

// OpenLibraryCacheSchema defines the schema for the OpenLibrary response cache.
const OpenLibraryCacheSchema = `
CREATE TABLE IF NOT EXISTS openlibrary_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_openlibrary_cached_at ON openlibrary_cache(cached_at);
`

// GoogleBooksCacheSchema defines the schema for the Google Books response cache.
const GoogleBooksCacheSchema = `
CREATE TABLE IF NOT EXISTS googlebooks_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_googlebooks_cached_at ON googlebooks_cache(cached_at);
`

// WikidataCacheSchema defines the schema for the Wikidata response cache.
const WikidataCacheSchema = `
CREATE TABLE IF NOT EXISTS wikidata_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_wikidata_cached_at ON wikidata_cache(cached_at);
`

// AllCacheSchemas contains all cache table schemas for initialization.
var AllCacheSchemas = []string{
	ISBNdbCacheSchema,
	OpenLibraryCacheSchema,
	GoogleBooksCacheSchema,
	WikidataCacheSchema,
}

// ValidCacheTableNames is the whitelist of allowed cache table names,
// used to prevent SQL injection when interpolating table names.
var ValidCacheTableNames = map[string]bool{
	"isbndb_cache":      true,
	"openlibrary_cache": true,
	"googlebooks_cache": true,
	"wikidata_cache":    true,
}
