package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID returns "<TAG>-<unix millis>-<8 random hex>", e.g. VIS-1760659200000-9f1c2a7b.
func NewID(tag string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", tag, now.UnixMilli(), suffix)
}
