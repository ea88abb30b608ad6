package prompts

import "fmt"

// MemoryExtractionMarker is the fixed opening sentence of every
// memory-extraction prompt variant. Test fixtures and mock model
// servers detect extraction requests by matching this string, so it
// must not change without updating them.
const MemoryExtractionMarker = "You are extracting durable memories from the user's latest messages"

// NoMemoriesSentinel is the exact literal the model must return when
// nothing in the input qualifies as a durable memory. Comparison on
// parse is case-insensitive; emission must use this exact form.
const NoMemoriesSentinel = "NO_MEMORIES"

// Variant selects which memory-extraction prompt policy is in force.
type Variant int

const (
	// VariantTagged requires a [user] or [tool] provenance prefix on
	// every captured memory and accepts recent tool output alongside
	// user messages. This is the current default policy.
	VariantTagged Variant = iota
	// VariantPlain captures from user messages only, with untagged
	// bullets. Retained for deployments that do not feed tool output
	// into extraction.
	VariantPlain
)

// String returns the config-file name of the variant.
func (v Variant) String() string {
	switch v {
	case VariantPlain:
		return "plain"
	case VariantTagged:
		return "tagged"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// ParseVariant converts a config-file string to a Variant. The empty
// string selects the default (tagged) policy.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "", "tagged":
		return VariantTagged, nil
	case "plain":
		return VariantPlain, nil
	default:
		return VariantTagged, fmt.Errorf("unknown extraction variant %q (valid: tagged, plain)", s)
	}
}

// plainExtractionPrompt instructs the model to extract durable memories
// from user messages only. Output contract: bullet list of short single
// sentences, or the exact sentinel NO_MEMORIES. Sentinel and bullets
// are mutually exclusive.
const plainExtractionPrompt = MemoryExtractionMarker + `.

Review the user's recent messages and capture only durable memories:

- Explicit preferences or instructions about how the user wants you to
  work (style, tools, process, formatting).
- Stable facts about the user's workflow or environment that are likely
  to matter in future sessions.

Do NOT capture:

- Task-specific details that only matter for the current request.
- Transient context (current errors, in-progress edits, today's plans).
- Secrets, credentials, tokens, or anything sensitive.

Output format, exactly one of the two:

1. A bullet list, one memory per line, each line starting with "- " and
   containing a single short sentence.
2. The literal text NO_MEMORIES on its own, when nothing qualifies.

Never mix the two. Never add commentary, headings, or explanations.`

// taggedExtractionPrompt extends the plain policy with tool-output
// sourcing: the input additionally includes recent tool outputs, and
// every captured memory must carry exactly one provenance tag.
const taggedExtractionPrompt = MemoryExtractionMarker + ` and from recent tool output.

Review the user's recent messages and the recent tool outputs, and
capture only durable memories:

- Explicit preferences or instructions about how the user wants you to
  work (style, tools, process, formatting).
- Stable facts about the user's workflow or environment that are likely
  to matter in future sessions, whether stated by the user or observed
  in tool output.

Do NOT capture:

- Task-specific details that only matter for the current request.
- Transient context (current errors, in-progress edits, today's plans).
- Secrets, credentials, tokens, or anything sensitive.

Output format, exactly one of the two:

1. A bullet list, one memory per line, each line starting with "- " and
   containing a single short sentence. Prefix every sentence with
   exactly one source tag: [user] when the fact came from a user
   message, [tool] when it came from tool output.
2. The literal text NO_MEMORIES on its own, when nothing qualifies.

Example: - [user] Prefers tabs over spaces for indentation.
Example: - [tool] Project uses Make as its build system.

Never mix the two forms. Never add commentary, headings, or
explanations. Never emit a bullet without a source tag.`

// MemoryExtraction returns the extraction prompt for the given variant.
// The returned text is sent as the system instructions of the model
// call; the turn content goes in the user message.
func MemoryExtraction(v Variant) string {
	if v == VariantPlain {
		return plainExtractionPrompt
	}
	return taggedExtractionPrompt
}
