package source

import "github.com/Lllllllleong/annotationtable/internal/gcp"

// DefaultPattern selects annotation files when no pattern is configured.
const DefaultPattern = "*.xml"

// Config holds the Document Source settings.
type Config struct {
	// CacheDir is the local directory downloaded annotations are kept in.
	CacheDir string
	// SourceURL is where annotations come from: a local directory,
	// gs://bucket/prefix or an http(s) base URL.
	SourceURL string
	// Pattern is a path.Match pattern applied to base names.
	Pattern string
}

// ConfigFromEnv reads ANNOTATION_CACHE_DIR, ANNOTATION_SOURCE_URL and ANNOTATION_PATTERN.
func ConfigFromEnv() Config {
	return Config{
		CacheDir:  gcp.GetEnv("ANNOTATION_CACHE_DIR", ""),
		SourceURL: gcp.GetEnv("ANNOTATION_SOURCE_URL", ""),
		Pattern:   gcp.GetEnv("ANNOTATION_PATTERN", DefaultPattern),
	}
}

func (c Config) pattern() string {
	if c.Pattern == "" {
		return DefaultPattern
	}
	return c.Pattern
}
