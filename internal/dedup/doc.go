// Package dedup decides whether a newly arrived record duplicates one of a set
// of previously seen candidates, and which automated action follows.
//
// Three matchers each produce zero or one Match per candidate:
//
//   - MatchMetadata: same account, same normalized error text, received within
//     a configurable time window. Always an Exact match with score 1.0.
//   - MatchSemantic: cosine similarity of embeddings banded by two thresholds
//     into Exact and Likely. Embeddings missing on either side are resolved
//     lazily through an EmbeddingFunc when one is configured.
//   - CorrelateIncident: links the record to an externally tracked incident,
//     through an IncidentLinker when present, otherwise the first id returned
//     by an IncidentLister.
//
// Engine.Evaluate runs the matchers in that order, keeps the first match per
// candidate id, and resolves a single Action:
//
//	known_incident -> link_and_notify
//	exact          -> auto_merge
//	likely         -> agent_review
//	(none)         -> none
//
// The package performs no I/O of its own and keeps no state between calls.
// Errors returned by the collaborator functions are passed back unchanged.
package dedup
