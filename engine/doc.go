// Package engine orchestrates the memory core: remember, recall, forget,
// context, and stats over a tier-controlled embedding layer, a vector index,
// a hot cache, and admission control. It owns validation, composite ranking,
// tenant isolation, and the per-scope write serialization contract.
package engine
