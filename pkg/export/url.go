package export

import (
	"fmt"
	"regexp"
	"strings"
)

var publicNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{5,}$`)

// ResolveURL builds the best-effort t.me link for a message. Returns ""
// when no public link can be derived (exported as a JSON null).
func ResolveURL(channelUsername, channelID string, messageID int64) string {
	switch {
	case channelUsername != "":
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(channelUsername, "@"), messageID)
	case strings.HasPrefix(channelID, "-100"):
		return fmt.Sprintf("https://t.me/c/%s/%d", channelID[4:], messageID)
	case !strings.HasPrefix(channelID, "-") && publicNamePattern.MatchString(channelID):
		return fmt.Sprintf("https://t.me/%s/%d", channelID, messageID)
	}
	return ""
}
