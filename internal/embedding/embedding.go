// Package embedding turns schema.org objects into fixed-dimension vectors.
package embedding

import (
	"context"
	"encoding/json"
	"strings"
)

const (
	// Truncation caps keep one object's textual projection inside the
	// embedding model's context window.
	maxEssentialChars       = 6000
	nameTruncateChars       = 500
	descriptionTruncateLens = 1000
)

// NoOp returns zero vectors; useful for tests and for running without an
// embedding backend configured.
type NoOp struct {
	Dim int
}

// Embed returns a zero vector of the configured dimension.
func (n *NoOp) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, n.Dim), nil
}

// EmbedBatch returns one zero vector per input.
func (n *NoOp) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, n.Dim)
	}
	return out, nil
}

// Dimension returns the configured vector dimension.
func (n *NoOp) Dimension() int { return n.Dim }

// EssentialText projects a schema.org object down to the fields worth
// embedding. Full objects can be enormous; searchable meaning lives in a
// handful of fields that vary a little by type.
func EssentialText(obj map[string]any) string {
	essential := map[string]any{}

	if v, ok := obj["@type"]; ok {
		essential["@type"] = v
	}
	if v, ok := obj["@id"]; ok {
		essential["@id"] = v
	}

	for _, field := range []string{"name", "description", "headline", "text", "abstract", "summary"} {
		if v, ok := obj[field]; ok {
			essential[field] = v
		}
	}

	objType := typeString(obj)
	switch {
	case strings.Contains(objType, "Recipe"):
		copyFields(obj, essential, []string{
			"recipeIngredient", "recipeYield", "totalTime", "cookTime",
			"prepTime", "recipeCategory", "recipeCuisine", "keywords",
		})
	case strings.Contains(objType, "Movie"), strings.Contains(objType, "TVSeries"):
		copyNamedFields(obj, essential, []string{
			"genre", "datePublished", "director", "actor", "duration", "contentRating",
		})
	case strings.Contains(objType, "Product"):
		copyProductFields(obj, essential)
	case strings.Contains(objType, "Article"), strings.Contains(objType, "NewsArticle"):
		copyNamedFields(obj, essential, []string{
			"author", "datePublished", "publisher", "articleSection",
		})
	}

	text := mustJSON(essential)
	if len(text) <= maxEssentialChars {
		return text
	}

	// Still too large: fall back to the bare minimum, truncated.
	minimal := map[string]any{
		"@type":       essential["@type"],
		"@id":         essential["@id"],
		"name":        truncate(stringField(essential, "name"), nameTruncateChars),
		"description": truncate(stringField(essential, "description"), descriptionTruncateLens),
	}
	text = mustJSON(minimal)
	if len(text) > maxEssentialChars {
		text = text[:maxEssentialChars]
	}
	return text
}

// TypeString returns a display form of an object's @type, joining lists.
func TypeString(obj map[string]any) string {
	t := typeString(obj)
	if t == "" {
		return "Unknown"
	}
	return t
}

func typeString(obj map[string]any) string {
	switch v := obj["@type"].(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}

func copyFields(src, dst map[string]any, fields []string) {
	for _, f := range fields {
		if v, ok := src[f]; ok {
			dst[f] = v
		}
	}
}

// copyNamedFields copies fields, flattening nested objects to their name
// and capping arrays at five entries.
func copyNamedFields(src, dst map[string]any, fields []string) {
	for _, f := range fields {
		v, ok := src[f]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			if name, ok := val["name"]; ok {
				dst[f] = name
			} else {
				dst[f] = val
			}
		case []any:
			limit := len(val)
			if limit > 5 {
				limit = 5
			}
			out := make([]any, 0, limit)
			for _, e := range val[:limit] {
				if m, ok := e.(map[string]any); ok {
					if name, ok := m["name"]; ok {
						out = append(out, name)
						continue
					}
				}
				out = append(out, e)
			}
			dst[f] = out
		default:
			dst[f] = v
		}
	}
}

func copyProductFields(src, dst map[string]any) {
	for _, f := range []string{"brand", "model", "offers", "aggregateRating", "category"} {
		v, ok := src[f]
		if !ok {
			continue
		}
		m, isMap := v.(map[string]any)
		switch {
		case f == "offers" && isMap:
			dst[f] = map[string]any{
				"price":        m["price"],
				"availability": m["availability"],
			}
		case f == "aggregateRating" && isMap:
			dst[f] = map[string]any{
				"ratingValue": m["ratingValue"],
				"ratingCount": m["ratingCount"],
			}
		default:
			dst[f] = v
		}
	}
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
