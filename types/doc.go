// Package types provides unified type definitions for the Memorai memory core:
// the memory record model, query and result shapes, the embedding tier
// descriptor, and the structured error taxonomy shared by every component.
package types
