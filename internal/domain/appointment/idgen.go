package appointment

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// IDGenerator produces human-readable appointment references: "APT", the last
// eight digits of the current Unix time in milliseconds and a three-digit
// random suffix. References are not guaranteed unique.
type IDGenerator struct {
	now  func() time.Time
	intn func(n int) int
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now, intn: rand.IntN}
}

func (g *IDGenerator) Next() string {
	ms := g.now().UnixMilli() % 100_000_000
	return fmt.Sprintf("APT%08d%03d", ms, g.intn(999))
}
