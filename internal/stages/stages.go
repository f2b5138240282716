package stages

// Name identifies one stage of the transcript pipeline, or one of its terminal states
type Name string

// Stage names in pipeline order
const (
	ExtractAudio       Name = "ExtractAudio"
	ChunkAudio         Name = "ChunkAudio"
	DiarizeChunks      Name = "DiarizeChunks"
	MergeSpeakers      Name = "MergeSpeakers"
	SplitBySpeaker     Name = "SplitBySpeaker"
	TranscribeSegments Name = "TranscribeSegments"
	AggregateResults   Name = "AggregateResults"
	LLMAnalysis        Name = "LLMAnalysis"

	Completed Name = "Completed"
	Failed    Name = "Failed"
)

// Order lists the eight processing stages in execution order
var Order = []Name{
	ExtractAudio,
	ChunkAudio,
	DiarizeChunks,
	MergeSpeakers,
	SplitBySpeaker,
	TranscribeSegments,
	AggregateResults,
	LLMAnalysis,
}

var progress = map[Name]int{
	ExtractAudio:       5,
	ChunkAudio:         15,
	DiarizeChunks:      25,
	MergeSpeakers:      45,
	SplitBySpeaker:     55,
	TranscribeSegments: 65,
	AggregateResults:   80,
	LLMAnalysis:        90,
	Completed:          100,
}

// Terminal reports whether n is Completed or Failed
func (n Name) Terminal() bool {
	return n == Completed || n == Failed
}

// Valid reports whether n is a processing stage or a terminal state
func (n Name) Valid() bool {
	if n.Terminal() {
		return true
	}
	_, ok := progress[n]
	return ok
}

// Progress returns the progress percentage shown while a run is in stage n
func (n Name) Progress() int {
	return progress[n]
}

// Step returns the snake_case step name written to the record's current_step column
func (n Name) Step() string {
	switch n {
	case ExtractAudio:
		return "extracting_audio"
	case ChunkAudio:
		return "chunking"
	case DiarizeChunks:
		return "diarizing"
	case MergeSpeakers:
		return "merging_speakers"
	case SplitBySpeaker:
		return "splitting"
	case TranscribeSegments:
		return "transcribing"
	case AggregateResults:
		return "aggregating"
	case LLMAnalysis:
		return "analyzing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return string(n)
}

// Next returns the stage following n, or Completed after the last stage.
// Terminal states return themselves.
func (n Name) Next() Name {
	if n.Terminal() {
		return n
	}
	for i, s := range Order {
		if s == n {
			if i+1 < len(Order) {
				return Order[i+1]
			}
			return Completed
		}
	}
	return Failed
}
