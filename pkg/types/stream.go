package types

// StreamChunk is one event yielded by a completion stream.
// The set of implementations is closed: TextChunk, ReasoningChunk, UsageChunk.
type StreamChunk interface {
	ChunkType() string
	isStreamChunk()
}

// TextChunk is an incremental piece of visible output.
type TextChunk struct {
	Text string `json:"text"`
}

// ReasoningChunk is an incremental piece of the model's thinking trace.
type ReasoningChunk struct {
	Text string `json:"text"`
}

// UsageChunk reports token accounting for a completion. When a provider
// streams it more than once, the last value is the total.
type UsageChunk struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int `json:"cacheWriteTokens,omitempty"`
}

func (TextChunk) ChunkType() string      { return "text" }
func (ReasoningChunk) ChunkType() string { return "reasoning" }
func (UsageChunk) ChunkType() string     { return "usage" }

func (TextChunk) isStreamChunk()      {}
func (ReasoningChunk) isStreamChunk() {}
func (UsageChunk) isStreamChunk()     {}
