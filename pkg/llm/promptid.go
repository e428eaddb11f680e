package llm

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputePromptID derives the short deterministic hash that pins a prompt
// pair for reproducibility: sha256 of system + "\n---\n" + user template,
// truncated to 16 hex characters and prefixed with "sha256:".
func ComputePromptID(systemPrompt, userTemplate string) string {
	sum := sha256.Sum256([]byte(systemPrompt + "\n---\n" + userTemplate))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}
