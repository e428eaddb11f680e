// Package autoload registers all built-in LLM providers.
package autoload

import (
	_ "telescribe/pkg/llm/geminillm"
	_ "telescribe/pkg/llm/ollamallm"
	_ "telescribe/pkg/llm/openaillm"
)
