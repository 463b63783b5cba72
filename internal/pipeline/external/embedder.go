package external

import "context"

// Embedder turns text into dense vectors. Implementations wrap whatever
// concrete inference client is configured; the embedding stage and the
// chunking-hash input never depend on a specific provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
