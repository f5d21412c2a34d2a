package catalog

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewIdempotencyKey returns a key unique to one logical operation instance.
func NewIdempotencyKey(op string) string {
	return op + "-" + uuid.NewString()
}

// newCountKey builds the key for an absolute count. Repeated absolute sets are
// each meaningful, so the key carries the variation and a timestamp as well as
// a random part.
func newCountKey(variationID string, at time.Time) string {
	return fmt.Sprintf("count-%s-%d-%s", variationID, at.UnixNano(), uuid.NewString()[:8])
}

// SKUGenerator produces opaque SKUs: a fixed prefix plus a ULID suffix.
// Collisions are improbable but not impossible; callers retry with a new SKU.
type SKUGenerator struct {
	prefix  string
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewSKUGenerator(prefix string) *SKUGenerator {
	if prefix == "" {
		prefix = "CSG"
	}
	return &SKUGenerator{
		prefix:  strings.ToUpper(prefix),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (g *SKUGenerator) Next() string {
	g.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
	g.mu.Unlock()
	return g.prefix + "-" + id.String()
}
