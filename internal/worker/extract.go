package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// skipTypes are schema.org types that describe page chrome rather than
// content. Indexing them would fill search results with navigation noise.
var skipTypes = map[string]bool{
	"ListItem":              true,
	"ItemList":              true,
	"Organization":          true,
	"BreadcrumbList":        true,
	"Breadcrumb":            true,
	"WebSite":               true,
	"SearchAction":          true,
	"SiteNavigationElement": true,
	"WebPageElement":        true,
	"WebPage":               true,
	"NewsMediaOrganization": true,
	"MerchantReturnPolicy":  true,
	"ReturnPolicy":          true,
	"CollectionPage":        true,
	"Brand":                 true,
	"Corporation":           true,
	"ReadAction":            true,
}

// ExtractObjects pulls the indexable schema.org objects out of a fetched
// document. The document may be a single JSON object, an array of objects,
// or newline-delimited JSON; @graph containers without their own @id are
// unwrapped. Objects of a skipped type or with no usable id are dropped,
// and the first occurrence of each id wins.
func ExtractObjects(content []byte, fileURL string) (map[string]map[string]any, error) {
	var top any
	objects := []map[string]any{}
	if err := json.Unmarshal(content, &top); err == nil {
		switch v := top.(type) {
		case []any:
			for _, e := range v {
				if obj, ok := e.(map[string]any); ok {
					objects = append(objects, obj)
				}
			}
		case map[string]any:
			objects = append(objects, v)
		default:
			return nil, fmt.Errorf("document is JSON but not an object or array")
		}
	} else {
		// Fall back to one JSON object per line. Unparseable lines are
		// skipped rather than failing the file.
		parsedAny := false
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var obj map[string]any
			if err := json.Unmarshal([]byte(line), &obj); err != nil {
				continue
			}
			objects = append(objects, obj)
			parsedAny = true
		}
		if !parsedAny {
			return nil, fmt.Errorf("document is neither JSON nor newline-delimited JSON")
		}
	}

	out := map[string]map[string]any{}
	collect := func(obj map[string]any) {
		if shouldSkip(obj) {
			return
		}
		id := objectID(obj)
		if id == "" {
			return
		}
		obj["@id"] = id
		if _, dup := out[id]; !dup {
			out[id] = obj
		}
	}

	for _, obj := range objects {
		collect(obj)
	}
	// Graph containers without an @id of their own hold the real objects.
	for _, obj := range objects {
		if !isGraphContainer(obj) {
			continue
		}
		graph := obj["@graph"].([]any)
		for _, e := range graph {
			if gobj, ok := e.(map[string]any); ok {
				collect(gobj)
			}
		}
	}
	return out, nil
}

func shouldSkip(obj map[string]any) bool {
	switch t := obj["@type"].(type) {
	case string:
		if skipTypes[t] {
			return true
		}
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok && skipTypes[s] {
				return true
			}
		}
	}
	// A graph container is unwrapped, not indexed itself.
	if _, hasGraph := obj["@graph"]; hasGraph {
		if _, hasID := obj["@id"]; !hasID {
			return true
		}
	}
	return false
}

// objectID resolves an object's identity: @id first, then url. Either can
// arrive as a list, in which case the first entry is used.
func objectID(obj map[string]any) string {
	for _, field := range []string{"@id", "url"} {
		switch v := obj[field].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			if len(v) > 0 {
				if s, ok := v[0].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func isGraphContainer(obj map[string]any) bool {
	if _, hasID := obj["@id"]; hasID {
		return false
	}
	_, isList := obj["@graph"].([]any)
	return isList
}
