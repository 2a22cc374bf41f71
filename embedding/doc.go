// Package embedding provides the tiered embedding providers of the memory
// core: remote semantic (direct and deployment-keyed dialects), local
// semantic over a sidecar process, deterministic lexical hashing, and a mock
// provider for tests. All providers produce unit-norm vectors of a fixed
// dimension and reject empty or whitespace-only input.
package embedding
