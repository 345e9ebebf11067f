package harness

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// NewSessionID returns an identifier unique across harness runs. The unix
// timestamp keeps identifiers sortable in gateway logs; the random suffix
// guards against collisions between runs started within the same second.
func NewSessionID(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "test-session"
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().Unix())
	}
	return fmt.Sprintf("%s-%d-%x", prefix, time.Now().Unix(), suffix)
}
