// Package datasource implements the DataSource surface (C9): URL and
// property parsing, per-configuration database caching keyed by a
// normalised cache key, and the encryption-key-source parsing the
// spec's C7 Key lifecycle is fed from.
package datasource

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/kennethshackleton/selekt-go/internal/selekterr"
)

const urlPrefix = "jdbc:sqlite:"

// ParseURL splits a "jdbc:sqlite:<path>[?k=v(&k=v)*]" connection string
// into its path and query parameters.
func ParseURL(raw string) (path string, query map[string]string, err error) {
	if !strings.HasPrefix(raw, urlPrefix) {
		return "", nil, &selekterr.InvalidConfigurationError{Field: "url", Reason: fmt.Sprintf("must start with %q", urlPrefix)}
	}
	rest := raw[len(urlPrefix):]

	query = make(map[string]string)
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		path = rest[:idx]
		values, err := url.ParseQuery(rest[idx+1:])
		if err != nil {
			return "", nil, &selekterr.InvalidConfigurationError{Field: "url", Reason: fmt.Sprintf("malformed query: %v", err)}
		}
		for k, vs := range values {
			if len(vs) > 0 {
				query[k] = vs[len(vs)-1]
			}
		}
	} else {
		path = rest
	}
	if path == "" {
		return "", nil, &selekterr.InvalidConfigurationError{Field: "url", Reason: "missing database path"}
	}
	return path, query, nil
}

// MergeProperties overlays props on top of urlQuery: a property present
// in both wins from props, per spec §4.6's explicit precedence rule
// ("property bag overrides URL where both are present").
func MergeProperties(urlQuery, props map[string]string) map[string]string {
	merged := make(map[string]string, len(urlQuery)+len(props))
	for k, v := range urlQuery {
		merged[k] = v
	}
	for k, v := range props {
		merged[k] = v
	}
	return merged
}

// CacheKey builds the normalised cache key "<path>?<sorted k=v joined
// by &>" that identifies one database (and therefore one pool) per
// distinct effective configuration.
func CacheKey(path string, effective map[string]string) string {
	if len(effective) == 0 {
		return path
	}
	keys := make([]string, 0, len(effective))
	for k := range effective {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(path)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(effective[k])
	}
	return b.String()
}
