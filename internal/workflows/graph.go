package workflows

import "github.com/tendant/transcript-pipeline/internal/stages"

// FanOut describes a stage that runs once per element of a list in its input payload
type FanOut struct {
	// ItemsField names the input array to fan out over
	ItemsField string
	// ItemField names the key each element is sent under in its item request
	ItemField string
	// MaxConcurrency caps worker calls in flight
	MaxConcurrency int
	// ResultField, when set, receives the ordered result list in the next payload.
	// When empty the results are discarded and the input payload moves on unchanged.
	ResultField string
}

// Graph holds the fan-out stages of the pipeline; every other stage is a single call
type Graph map[stages.Name]FanOut

// DefaultGraph returns the pipeline's fan-out stages with the given concurrency caps
func DefaultGraph(diarizeConcurrency, transcribeConcurrency int) Graph {
	return Graph{
		stages.DiarizeChunks: {
			ItemsField:     "chunks",
			ItemField:      "chunk",
			MaxConcurrency: diarizeConcurrency,
			ResultField:    "chunk_results",
		},
		stages.TranscribeSegments: {
			ItemsField:     "segment_files",
			ItemField:      "segment_file",
			MaxConcurrency: transcribeConcurrency,
		},
	}
}
