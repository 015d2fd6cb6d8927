package app

import (
	"time"

	"github.com/nergy-se/envoy/pkg/accum"
)

// archiveDelay gives the last loop packet of an interval time to arrive
// before the record is emitted.
const archiveDelay = 15 * time.Second

func nextDelay(now time.Time, interval time.Duration) time.Duration {
	return accum.Boundary(now, interval).Add(archiveDelay).Sub(now)
}
