// Package telemetry defines the narrow recorder the core reports to.
// This build ships only the no-op implementation.
package telemetry

import "github.com/nobody-qwert/cline-local/pkg/types"

// Recorder receives completion lifecycle notifications.
type Recorder interface {
	StreamStarted(provider types.APIProvider, modelID string, mode types.Mode)
	Usage(provider types.APIProvider, modelID string, usage types.UsageChunk)
	StreamFailed(provider types.APIProvider, modelID string, err error)
}

// Noop discards everything.
type Noop struct{}

func (Noop) StreamStarted(types.APIProvider, string, types.Mode) {}
func (Noop) Usage(types.APIProvider, string, types.UsageChunk)   {}
func (Noop) StreamFailed(types.APIProvider, string, error)       {}

var _ Recorder = Noop{}
