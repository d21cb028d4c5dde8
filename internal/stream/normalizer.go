package stream

import "io"

// Normalizer converts one provider's SSE dialect into the canonical
// event sequence.
type Normalizer interface {
	Normalize(r io.Reader, emit Handler) error
}

// ForProvider returns the normalizer for a provider name. Unknown
// providers get the OpenAI-compatible dialect, which is what most
// self-hosted endpoints (including ollama's /v1 surface) speak.
func ForProvider(name string) Normalizer {
	switch name {
	case "anthropic":
		return AnthropicNormalizer{}
	case "gemini":
		return GeminiNormalizer{}
	default:
		return OpenAINormalizer{}
	}
}
