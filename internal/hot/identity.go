package hot

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ModuleID derives a module identity from a module URL: the cleaned path
// alone, with scheme, host, query and fragment stripped. Relative URLs are
// accepted and treated as rooted.
func ModuleID(fullURL string) (string, error) {
	u, err := url.Parse(fullURL)
	if err != nil {
		return "", fmt.Errorf("invalid module url %q: %w", fullURL, err)
	}
	if u.Opaque != "" {
		return "", fmt.Errorf("invalid module url %q: opaque urls have no path", fullURL)
	}
	return path.Clean("/" + u.Path), nil
}

// ResolveDependency normalizes a dependency specifier declared by the module
// base into an absolute module identity.
//
// Extension inference: no extension resolves to a .js module, a .js extension
// is kept, and any other extension is replaced by the generated proxy module
// suffix, so ./a.css resolves to a.proxy.js.
func ResolveDependency(base, dep string) (string, error) {
	ref, err := url.Parse(dep)
	if err != nil {
		return "", fmt.Errorf("invalid dependency %q: %w", dep, err)
	}

	switch ext := path.Ext(path.Base(ref.Path)); {
	case ext == "":
		ref.Path += ".js"
	case ext != ".js":
		ref.Path = strings.TrimSuffix(ref.Path, ext) + ".proxy.js"
	}
	ref.RawQuery = ""
	ref.Fragment = ""

	baseURL := &url.URL{Path: base}
	return baseURL.ResolveReference(ref).Path, nil
}

// VersionedURL appends the cache-busting version token to a module identity.
// Version 0 is the initial load and carries no token.
func VersionedURL(id string, version int64) string {
	if version == 0 {
		return id
	}
	return fmt.Sprintf("%s?mtime=%d", id, version)
}
