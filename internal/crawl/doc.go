// Package crawl defines the core types and interfaces shared across the
// schema-map crawler subsystems: the job queue contract, the job payloads
// exchanged between the master and the workers, and the narrow interfaces
// behind which the external collaborators (vector index, embedding
// provider, document archive) sit.
package crawl
