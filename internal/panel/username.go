package panel

import (
	"fmt"
	"math/rand"
	"strings"
)

const (
	usernamePrefixMax = 10
	defaultPrefix     = "user"
)

// GenerateUsername builds a panel-side username from an owner id and an
// optional prefix. The prefix is lowered and stripped to [a-z0-9] so the
// result is safe for every supported panel's username rules. Format:
// <prefix>_<ownerID>_<5 random digits>.
func GenerateUsername(ownerID int64, prefix string) string {
	p := sanitizePrefix(prefix)
	return fmt.Sprintf("%s_%d_%05d", p, ownerID, rand.Intn(100000))
}

func sanitizePrefix(prefix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(prefix) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() >= usernamePrefixMax {
			break
		}
	}
	if b.Len() == 0 {
		return defaultPrefix
	}
	return b.String()
}
