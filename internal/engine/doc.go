// Package engine is the boundary to the language model.
//
// Model.Stream runs one step: it is called once per model round trip and
// returns text, reasoning and tool-call chunks ending in a finish (or error)
// chunk. Looping over steps, executing tools and approval handling live in the
// conversation package.
//
// OpenAIModel talks to any OpenAI-compatible endpoint. Titles come from a
// separate Titler so a cheaper model can be used.
package engine
