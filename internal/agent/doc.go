// Package agent runs the conversational loop: the chat model is offered the
// federated tool catalog and every call it proposes passes through a
// per-conversation consent gate before it can reach the executor. The first
// blocked destructive call ends the conversation with a consent prompt.
package agent
