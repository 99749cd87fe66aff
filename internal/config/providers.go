package config

import "strings"

// KnownProviders lists the model providers the engine accepts in the handshake.
var KnownProviders = []string{"google", "anthropic", "openai", "openrouter"}

// NormalizeProvider lower-cases the provider and maps legacy aliases.
// Empty input yields the default provider; unknown names pass through so
// newer engines can accept providers this client has not heard of.
func NormalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "":
		return DefaultModelProvider
	case "gemini":
		return "google"
	case "claude":
		return "anthropic"
	}
	return p
}

// IsKnownProvider reports whether p is one of KnownProviders.
func IsKnownProvider(p string) bool {
	for _, k := range KnownProviders {
		if k == p {
			return true
		}
	}
	return false
}
