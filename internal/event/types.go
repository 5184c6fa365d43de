package event

// StreamStartedData is the data for stream.started events.
type StreamStartedData struct {
	SessionID string `json:"sessionID"`
	Provider  string `json:"provider"`
	ModelID   string `json:"modelID"`
	Mode      string `json:"mode"`
}

// StreamDeltaData is the data for stream.delta events.
type StreamDeltaData struct {
	SessionID string `json:"sessionID"`
	Kind      string `json:"kind"` // "text" | "reasoning"
	Delta     string `json:"delta"`
}

// StreamUsageData is the data for stream.usage events.
type StreamUsageData struct {
	SessionID        string `json:"sessionID"`
	InputTokens      int    `json:"inputTokens"`
	OutputTokens     int    `json:"outputTokens"`
	CacheReadTokens  int    `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int    `json:"cacheWriteTokens,omitempty"`
}

// StreamEndedData is the data for stream.completed, stream.failed and
// stream.cancelled events.
type StreamEndedData struct {
	SessionID string `json:"sessionID"`
	Error     string `json:"error,omitempty"`
}

// RetryScheduledData is the data for retry.scheduled events.
type RetryScheduledData struct {
	SessionID  string `json:"sessionID,omitempty"`
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"maxRetries"`
	DelayMs    int64  `json:"delayMs"`
	Error      string `json:"error"`
}

// StateChangedData is the data for state.changed events.
type StateChangedData struct {
	Namespace string   `json:"namespace"`
	Keys      []string `json:"keys"`
}

// StatePersistData is the data for state.persisted and state.persist_failed
// events.
type StatePersistData struct {
	Namespace string   `json:"namespace"`
	Keys      []string `json:"keys"`
	Error     string   `json:"error,omitempty"`
}

// ConfigReloadedData is the data for config.reloaded events.
type ConfigReloadedData struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}
