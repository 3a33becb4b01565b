package oracle

import (
	"fmt"
	"time"
)

// freshnessGuard enforces the staleness window and strict timestamp advance
// over the last committed record (replay protection).
type freshnessGuard struct {
	maxAge time.Duration
}

func (g freshnessGuard) check(now time.Time, ts, prevTs uint64) error {
	nowSec := uint64(now.Unix())
	switch {
	case ts > nowSec:
		return fmt.Errorf("%w: timestamp %d is in the future (now: %d)", ErrStaleOrReplay, ts, nowSec)
	case time.Duration(nowSec-ts)*time.Second > g.maxAge:
		return fmt.Errorf("%w: timestamp %d is older than the %s staleness window (now: %d)", ErrStaleOrReplay, ts, g.maxAge, nowSec)
	case ts <= prevTs:
		return fmt.Errorf("%w: timestamp %d does not advance past the committed timestamp %d", ErrStaleOrReplay, ts, prevTs)
	}
	return nil
}
