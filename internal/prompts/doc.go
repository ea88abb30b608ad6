// Package prompts contains the LLM prompt templates used internally by Engram.
//
// Prompt text is Go code rather than config files because it is program logic:
// the extraction templates carry a strict output contract that the parser in
// internal/memory depends on, benefit from compile-time embedding, and can be
// validated by tests. User-facing configuration lives in config.yaml; this
// package holds the instructions we send to models for internal operations.
//
// Convention: each prompt category gets its own file with exported functions
// that accept the dynamic parts and return the fully interpolated prompt
// string.
package prompts
