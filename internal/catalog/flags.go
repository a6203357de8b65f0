package catalog

import "strings"

// DefaultFlag is shown for ids without a known country flag.
const DefaultFlag = "🌍"

var flags = map[string]string{
	"israel":      "🇮🇱",
	"italy":       "🇮🇹",
	"usa":         "🇺🇸",
	"uk":          "🇬🇧",
	"germany":     "🇩🇪",
	"france":      "🇫🇷",
	"spain":       "🇪🇸",
	"netherlands": "🇳🇱",
	"switzerland": "🇨🇭",
	"japan":       "🇯🇵",
	"singapore":   "🇸🇬",
	"canada":      "🇨🇦",
	"australia":   "🇦🇺",
	"brazil":      "🇧🇷",
	"mexico":      "🇲🇽",
}

// FlagFor returns the flag emoji for a server id, matched case-insensitively.
func FlagFor(id string) string {
	if flag, ok := flags[strings.ToLower(id)]; ok {
		return flag
	}
	return DefaultFlag
}
