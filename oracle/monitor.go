package oracle

import (
	"context"
	"time"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
)

const DefaultMonitorInterval = 30 * time.Second

// StalenessMonitor periodically samples the committed record's age, exports
// it as a gauge and warns when reads have entered the degraded window. It is
// observability only: the read path computes its own degradation annotation
// on every call regardless of this service.
type StalenessMonitor struct {
	services.Service
	eng *services.Engine

	oracle   *Oracle
	interval time.Duration
}

func NewStalenessMonitor(lggr logger.Logger, o *Oracle, interval time.Duration) *StalenessMonitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	m := &StalenessMonitor{
		oracle:   o,
		interval: interval,
	}
	m.Service, m.eng = services.Config{
		Name:  "NAVStalenessMonitor",
		Start: m.start,
		Close: func() error { return nil },
	}.NewServiceEngine(lggr)
	return m
}

func (m *StalenessMonitor) start(context.Context) error {
	m.eng.Go(m.run)
	return nil
}

func (m *StalenessMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *StalenessMonitor) sample() {
	snap := m.oracle.LatestNAV()
	age := time.Duration(uint64(m.oracle.now().Unix())-snap.Timestamp) * time.Second
	promNavAge.Set(age.Seconds())
	switch {
	case snap.Emergency:
		m.eng.Warnw("NAV is serving the emergency override", "navRay", snap.NavRay, "authority", snap.EmergencyAuthority, "enabledAt", snap.EmergencyEnabledAt)
	case snap.Degraded:
		m.eng.Warnw("NAV reads are degraded, no accepted submission within the degrade window", "age", age, "sequence", snap.Sequence)
	}
}
