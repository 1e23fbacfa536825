// Package llm defines the chat-completion contract the conversational agent
// depends on: messages, tool specs and tool calls. Provider adapters live in
// sub-packages so the agent never imports a vendor SDK directly.
package llm
