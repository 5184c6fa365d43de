// Package provider implements streaming chat-completion handlers for local
// model servers.
//
// # Handlers
//
// Two handlers exist:
//
//   - LMStudioHandler talks to an OpenAI-compatible LM Studio server. The
//     standard path goes through the Eino OpenAI chat model; gpt-oss models
//     use a raw SSE path so that the top-level reasoning_effort field reaches
//     the server.
//   - OllamaHandler talks to an Ollama server over its NDJSON /api/chat
//     endpoint.
//
// BuildHandler selects and configures the right handler from persisted
// configuration and the operating mode:
//
//	handler := provider.BuildHandler(cfg, types.ModePlan, provider.BuildOptions{})
//
// # Streaming Completions
//
// CreateMessage is lazy; the request is issued on the first Recv:
//
//	stream := handler.CreateMessage(ctx, systemPrompt, messages)
//	defer stream.Close()
//	for {
//	    chunk, err := stream.Recv()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    switch c := chunk.(type) {
//	    case types.TextChunk:
//	    case types.ReasoningChunk:
//	    case types.UsageChunk:
//	    }
//	}
//
// Failures before the first chunk are retried (see package retry).
//
// # Cancellation
//
// Cancellation is never an error: cancelling the request context, or calling
// CancelActiveRequest on handlers that implement Canceller, ends the stream
// with io.EOF.
package provider
