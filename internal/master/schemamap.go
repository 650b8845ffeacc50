package master

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// schemaMapEntry is one <url> element of a schema-map document.
type schemaMapEntry struct {
	ContentType string `xml:"contentType,attr"`
	Loc         string `xml:"loc"`
}

// ParseSchemaMap extracts the schema.org file URLs listed in a schema-map
// XML document. Publishers produce these maps with varying structure, so
// <url> elements are collected at any depth and with or without the
// sitemap.org namespace. Entries whose contentType does not mention
// schema.org are ignored; relative locations resolve against baseURL.
func ParseSchemaMap(data []byte, baseURL string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", baseURL, err)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var urls []string
	seen := map[string]bool{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse schema map: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "url" {
			continue
		}

		var entry schemaMapEntry
		if err := dec.DecodeElement(&entry, &start); err != nil {
			return nil, fmt.Errorf("parse schema map entry: %w", err)
		}
		if !strings.Contains(strings.ToLower(entry.ContentType), "schema.org") {
			continue
		}
		loc := strings.TrimSpace(entry.Loc)
		if loc == "" {
			continue
		}
		ref, err := url.Parse(loc)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref).String()
		if !seen[abs] {
			seen[abs] = true
			urls = append(urls, abs)
		}
	}
	return urls, nil
}
