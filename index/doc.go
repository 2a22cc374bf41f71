// Package index provides the vector index abstraction of the memory core: a
// set-of-points store keyed by memory id, answering filtered k-nearest
// queries by cosine similarity. Backends: an in-memory reference, a Qdrant
// REST backend, an embedded chromem-go backend, and a sqlite single-file
// backend. Payloads never contain the vector; that duplication is rejected
// as an integrity error.
package index
