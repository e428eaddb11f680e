// Package autoload registers all built-in chat platforms.
package autoload

import (
	_ "telescribe/pkg/chat/telegram"
)
