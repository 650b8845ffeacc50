// Package catalog provides the relational source of truth for monitored
// sites, their schema files, and the structured-data ids those files
// reference. The ids table intentionally holds one row per (file, user, id)
// reference; an id belongs in the vector index exactly while its reference
// count is at least one.
package catalog

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("catalog: not found")

// Site is one monitored site for one tenant.
type Site struct {
	SiteURL              string
	UserID               string
	ProcessIntervalHours float64
	LastProcessed        *time.Time
	IsActive             bool
	CreatedAt            time.Time
	SchemaMapURL         string
	RefreshMode          string
}

// File is one schema file belonging to a site.
type File struct {
	SiteURL       string
	UserID        string
	FileURL       string
	SchemaMap     string
	LastReadTime  *time.Time
	NumberOfItems int
	IsManual      bool
	IsActive      bool
	FileHash      string
	ContentType   string
}

// SiteStatus aggregates per-site counts for the status endpoint.
type SiteStatus struct {
	SiteURL       string     `json:"site_url"`
	IsActive      bool       `json:"is_active"`
	LastProcessed *time.Time `json:"last_processed"`
	TotalFiles    int        `json:"total_files"`
	ManualFiles   int        `json:"manual_files"`
	TotalIDs      int        `json:"total_ids"`
}

// ProcessingError is one recorded failure for a file.
type ProcessingError struct {
	FileURL      string    `json:"file_url"`
	UserID       string    `json:"user_id"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	ErrorDetails string    `json:"error_details,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// IDRef pairs an id with its reference count after a mutation. A count of
// one on an added id means this file was the first referrer (index add);
// a count of zero on a removed id means the last referrer is gone (index
// delete).
type IDRef struct {
	ID   string
	Refs int
}

var (
	schemeRe = regexp.MustCompile(`^https?://`)
	wwwRe    = regexp.MustCompile(`^www\.`)
)

// NormalizeSiteURL strips the scheme, a leading "www." and any trailing
// slash so that https://www.example.com/ and example.com key the same row.
func NormalizeSiteURL(siteURL string) string {
	if siteURL == "" {
		return siteURL
	}
	u := schemeRe.ReplaceAllString(siteURL, "")
	u = wwwRe.ReplaceAllString(u, "")
	return strings.TrimRight(u, "/")
}
