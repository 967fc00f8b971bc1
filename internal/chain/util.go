package chain

import "strings"

// DefaultWSEndpoint derives the websocket feed URL from an explorer base URL.
func DefaultWSEndpoint(explorer string) string {
	explorer = strings.TrimRight(explorer, "/")
	if strings.HasPrefix(explorer, "ws://") || strings.HasPrefix(explorer, "wss://") {
		if strings.HasSuffix(explorer, "/inv") {
			return explorer
		}
		return explorer + "/inv"
	}
	if strings.HasPrefix(explorer, "https://") {
		return "wss://" + strings.TrimPrefix(explorer, "https://") + "/inv"
	}
	if strings.HasPrefix(explorer, "http://") {
		return "ws://" + strings.TrimPrefix(explorer, "http://") + "/inv"
	}
	return ""
}
