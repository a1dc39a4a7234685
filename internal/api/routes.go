package api

import (
	_ "embed"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed routes.toml
var routesTOML []byte

// Route describes how one action kind is sent to the server.
type Route struct {
	Method      string   `toml:"method"`
	Path        string   `toml:"path"`
	Invalidates []string `toml:"invalidates,omitempty"`
}

type routeFile struct {
	Routes map[string]Route `toml:"routes"`
}

// Routes maps action kinds to their HTTP route.
type Routes map[string]Route

// DefaultRoutes parses the embedded route table.
func DefaultRoutes() (Routes, error) {
	return ParseRoutes(routesTOML)
}

// ParseRoutes parses a TOML route table.
func ParseRoutes(data []byte) (Routes, error) {
	var f routeFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing route table: %w", err)
	}
	for kind, r := range f.Routes {
		if r.Method == "" || !strings.HasPrefix(r.Path, "/") {
			return nil, fmt.Errorf("route %s: method and absolute path required", kind)
		}
		r.Method = strings.ToUpper(r.Method)
		f.Routes[kind] = r
	}
	return Routes(f.Routes), nil
}

// Kinds returns the known action kinds, sorted.
func (rs Routes) Kinds() []string {
	kinds := make([]string, 0, len(rs))
	for k := range rs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Resolve returns the method and path for an action on resource.
func (rs Routes) Resolve(kind, resource string) (string, string, error) {
	r, ok := rs[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown action kind %q", kind)
	}
	path := r.Path
	if strings.Contains(path, "{id}") {
		id := ResourceID(resource)
		if id == "" {
			return "", "", fmt.Errorf("action %s needs a resource id, got %q", kind, resource)
		}
		path = strings.ReplaceAll(path, "{id}", url.PathEscape(id))
	}
	return r.Method, path, nil
}

// Invalidations returns the cache keys and prefixes made stale when an
// action of kind on resource succeeds.
func (rs Routes) Invalidations(kind, resource string) []string {
	r, ok := rs[kind]
	if !ok {
		return nil
	}
	id := ResourceID(resource)
	out := make([]string, 0, len(r.Invalidates))
	for _, key := range r.Invalidates {
		if strings.Contains(key, "{id}") {
			if id == "" {
				continue
			}
			key = strings.ReplaceAll(key, "{id}", id)
		}
		out = append(out, key)
	}
	return out
}

// ResourceID returns the id part of "type:id", or "" when there is none.
func ResourceID(resource string) string {
	_, id, ok := strings.Cut(resource, ":")
	if !ok {
		return ""
	}
	return id
}

var contentCollections = map[string]string{
	"blog":     "/blogs",
	"category": "/categories",
	"tag":      "/tags",
}

// ContentPath returns the read path for a single blog, category or tag.
func ContentPath(resourceType, id string) (string, error) {
	base, ok := contentCollections[resourceType]
	if !ok {
		return "", fmt.Errorf("unknown content type %q", resourceType)
	}
	if id == "" {
		return "", fmt.Errorf("%s id is required", resourceType)
	}
	return base + "/" + url.PathEscape(id), nil
}
