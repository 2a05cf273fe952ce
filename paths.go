package cbsync

import (
	"strings"
)

// PathTranslator maps a folder path from the upstream catalog's namespace
// into the local library layout.
type PathTranslator func(upstreamPath string) string

func identityPath(p string) string { return p }

// NewPathTranslator returns a translator that rewrites paths under
// upstreamParent to live under localParent instead:
//
//	NewPathTranslator("/comics-1", "comics")("/comics-1/DC Comics/Batgirl (2025)")
//	// "comics/DC Comics/Batgirl (2025)"
//
// A path that does not start with upstreamParent is returned unchanged.
func NewPathTranslator(upstreamParent, localParent string) PathTranslator {
	return func(upstreamPath string) string {
		return MapUpstreamPath(upstreamPath, upstreamParent, localParent)
	}
}

// MapUpstreamPath translates one upstream folder path. Leading slashes
// are ignored for the prefix comparison; localParent is kept as given, so
// it may be absolute or relative. The result always uses forward slashes.
func MapUpstreamPath(upstreamPath, upstreamParent, localParent string) string {
	trimmed := strings.TrimPrefix(upstreamPath, "/")
	parent := strings.TrimPrefix(upstreamParent, "/")

	if !strings.HasPrefix(trimmed, parent) {
		// Unexpected layout: hand the path back untouched rather than guess.
		return upstreamPath
	}

	rel := strings.TrimPrefix(trimmed[len(parent):], "/")
	local := strings.TrimSuffix(localParent, "/")

	out := local
	if rel != "" {
		out = local + "/" + rel
	}
	return strings.ReplaceAll(out, "\\", "/")
}
