/*
Package event provides a pub/sub event system for cline-local.

Publishers emit events about completion streams, retries and persisted
state; subscribers react without depending on the publisher.

# Event Types

Stream Events:
  - stream.started: a chat request was opened against a provider
  - stream.delta: a text or reasoning fragment arrived
  - stream.usage: the server reported token usage
  - stream.completed: the stream ended normally
  - stream.failed: the stream ended with an error
  - stream.cancelled: the request was aborted

Retry Events:
  - retry.scheduled: a failed attempt will be retried after a delay

State Events:
  - state.changed: keys were written to the in-memory cache
  - state.persisted: a debounced flush wrote keys to disk
  - state.persist_failed: a flush failed and the keys stay pending

# Basic Usage

	event.Publish(event.Event{
		Type: event.StreamDelta,
		Data: event.StreamDeltaData{SessionID: id, Kind: "text", Delta: "Hello"},
	})

	unsubscribe := event.Subscribe(event.StreamFailed, func(e event.Event) {
		data := e.Data.(event.StreamEndedData)
		log.Warn().Str("session", data.SessionID).Msg(data.Error)
	})
	defer unsubscribe()

Subscribers registered with Subscribe and SubscribeAll receive the typed
payload. PublishSync calls them in the publisher's goroutine, so they must
return quickly and must not publish themselves.

# Watching

Every event is also mirrored as JSON onto a watermill gochannel topic.
Watch returns a channel of those events with Data left as json.RawMessage,
which is what the HTTP event stream forwards to clients:

	events, err := bus.Watch(ctx)
	for e := range events {
		// write e to the client
	}

# Testing

	bus := event.NewBus()
	defer bus.Close()

	event.Reset() // clears the global bus
*/
package event
