package futago

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 (not pgvector.Vector) so
// external consumers do not need the pgvector dependency; New wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// IncidentLinker picks the active incident a record belongs to, or returns ""
// when none applies. accountID and productTag may be empty.
// When provided via WithIncidentLinker, replaces FUTAGO_INCIDENT_POLICY.
type IncidentLinker func(ctx context.Context, recordID, accountID, productTag string) (string, error)

// ActiveIncidentLister returns active incident ids, most relevant first. The
// first id is linked to every evaluated record.
// When provided via WithActiveIncidentLister, replaces FUTAGO_INCIDENT_POLICY.
type ActiveIncidentLister func(ctx context.Context) ([]string, error)
