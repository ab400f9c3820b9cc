package builds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gorm.io/datatypes"
)

// PlaceholderPrefix marks a run input value that stands for a docker image
// still to be built.
const PlaceholderPrefix = "image_build:"

// Ref identifies a software commit referenced by a placeholder.
type Ref struct {
	Software string
	Commit   string
}

// String renders the placeholder form image_build:<software>|<commit>.
func (r Ref) String() string {
	return PlaceholderPrefix + r.Software + "|" + r.Commit
}

// ParsePlaceholder parses image_build:<software>|<commit>. Both parts must be
// non-empty.
func ParsePlaceholder(s string) (Ref, bool) {
	rest, ok := strings.CutPrefix(s, PlaceholderPrefix)
	if !ok {
		return Ref{}, false
	}

	software, commit, ok := strings.Cut(rest, "|")
	if !ok || software == "" || commit == "" {
		return Ref{}, false
	}

	return Ref{Software: software, Commit: commit}, true
}

// Placeholder returns the single-key input {key: "image_build:S|C"}.
func Placeholder(key, software, commit string) map[string]string {
	return map[string]string{
		key: Ref{Software: software, Commit: commit}.String(),
	}
}

// ImageURL is the image a successful build of software at commit pushes.
// Repository names are lowercased as docker references require.
func ImageURL(registryHost, software, commit string) string {
	return fmt.Sprintf(
		"%s/%s:%s", strings.TrimRight(registryHost, "/"), strings.ToLower(software), commit,
	)
}

// decodeJSON decodes input preserving numbers. Empty input decodes to nil.
func decodeJSON(input []byte) (any, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}

	return doc, nil
}

// collectRefs returns the distinct placeholders among the string leaves of
// doc in a stable order.
func collectRefs(doc any) []Ref {
	var (
		refs []Ref
		seen = make(map[Ref]struct{})
	)

	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			ref, ok := ParsePlaceholder(val)
			if !ok {
				return
			}

			if _, dup := seen[ref]; !dup {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}

			sort.Strings(keys)

			for _, k := range keys {
				walk(val[k])
			}
		case []any:
			for _, item := range val {
				walk(item)
			}
		}
	}

	walk(doc)

	return refs
}

// rewriteRefs replaces every placeholder leaf that has an image in images.
func rewriteRefs(v any, images map[Ref]string) any {
	switch val := v.(type) {
	case string:
		if ref, ok := ParsePlaceholder(val); ok {
			if image, found := images[ref]; found {
				return image
			}
		}

		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = rewriteRefs(item, images)
		}

		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = rewriteRefs(item, images)
		}

		return out
	default:
		return val
	}
}

// HasPlaceholders reports whether input still contains any placeholder.
func HasPlaceholders(input datatypes.JSON) bool {
	doc, err := decodeJSON(input)
	if err != nil {
		return false
	}

	return len(collectRefs(doc)) > 0
}
