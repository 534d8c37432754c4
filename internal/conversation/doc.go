// Package conversation runs chat turns from request to persisted history.
//
// # Turns
//
// Service.Begin resolves the chat and records the user message before any
// model call. A new chat gets the placeholder title and a background title
// task. A continuation (the client resending the full message list after
// answering a tool approval) is taken verbatim and nothing is written up front.
//
//	turn, err := svc.Begin(ctx, conversation.BeginRequest{...})
//	frames, err := broker.OpenOrAttach(ctx, turn.StreamID, turn.Frames, 0)
//
// Turn.Frames starts the generator on a context detached from the request.
// The generator runs at most MaxSteps model calls, executes tools, parks
// approval-required calls and always ends the stream with one finish frame.
// After the finish frame the turn is reconciled with the store exactly once.
//
// # Titles
//
// The title is stored whether or not anyone is still listening. The
// data-chat-title frame is only sent while the stream is open.
//
// # Approvals
//
// Approved calls are executed once per approval id per process; repeated
// continuations carrying the same decision do not run the tool again.
package conversation
