package crawl

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType discriminates the queue payload union.
type JobType string

// Job type values carried on the wire.
const (
	JobProcessFile        JobType = "process_file"
	JobProcessRemovedFile JobType = "process_removed_file"
)

// Job is the unit of work exchanged through the queue. Produced by the
// master's schema-map diff, consumed by workers. Ephemeral: it exists only
// while in flight.
type Job struct {
	Type      JobType   `json:"type"`
	FileURL   string    `json:"file_url"`
	SiteURL   string    `json:"site_url,omitempty"`
	UserID    string    `json:"user_id"`
	SchemaMap string    `json:"schema_map,omitempty"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Validate checks the fields required for the job's type.
func (j Job) Validate() error {
	if j.FileURL == "" {
		return fmt.Errorf("job missing file_url")
	}
	if j.UserID == "" {
		return fmt.Errorf("job missing user_id")
	}
	switch j.Type {
	case JobProcessFile:
		if j.SiteURL == "" {
			return fmt.Errorf("process_file job missing site_url")
		}
		return nil
	case JobProcessRemovedFile:
		return nil
	default:
		return fmt.Errorf("unknown job type %q", j.Type)
	}
}

// Marshal encodes the job for the wire.
func (j Job) Marshal() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return data, nil
}

// UnmarshalJob decodes a wire payload back into a Job.
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("unmarshal job: %w", err)
	}
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Message wraps a received job together with the backend's receipt handle.
// The handle is opaque to consumers; it is round-tripped to Ack and Return.
type Message struct {
	ID            string
	Job           Job
	ReceiptHandle any
}

// QueueStats reports approximate queue depth for operator visibility.
type QueueStats struct {
	Visible    int `json:"visible"`
	InFlight   int `json:"in_flight"`
	DeadLetter int `json:"dead_letter"`
}

// Item is one structured-data object bound for the vector index.
type Item struct {
	ID     string
	Site   string
	Object map[string]any
}
