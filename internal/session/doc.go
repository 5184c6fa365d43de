// Package session runs chat completions against the configured local
// provider.
//
// A Service reads the API configuration and mode from the state cache,
// builds a handler through the provider factory and tracks every open
// stream under a ulid session id. Callers can cancel a session or read its
// last reported usage while it runs and after it ends.
//
//	svc := session.NewService(stateCache, session.Options{Bus: event.Default()})
//
//	stream, err := svc.Start(ctx, session.Request{
//		SystemPrompt: "You are a careful coding assistant.",
//		Messages:     []types.ChatMessage{types.NewTextMessage(types.RoleUser, "hi")},
//	})
//	defer stream.Close()
//	for {
//		chunk, err := stream.Recv()
//		if err == io.EOF {
//			break
//		}
//		...
//	}
//
// Stream lifecycle, deltas, usage and retry notices are published on the
// event bus when one is configured.
package session
