package main

import (
	"time"

	"github.com/donkomura/tcprs/pkg/logging"
	"github.com/donkomura/tcprs/pkg/tcp"
)

// runMetricsReporter periodically logs engine counters. interval is a
// duration string; unparseable values fall back to 30s.
func runMetricsReporter(eng *tcp.Engine, interval string) {
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for range ticker.C {
		m := eng.Metrics()
		logging.Infof("metrics: conns=%d/%d seg_tx=%d seg_rx=%d bytes_tx=%d bytes_rx=%d rtx=%d drops(csum=%d malformed=%d proto=%d) rst_tx=%d",
			m.ConnectionsCreated.Load(), m.ConnectionsClosed.Load(),
			m.SegmentsSent.Load(), m.SegmentsReceived.Load(),
			m.BytesSent.Load(), m.BytesReceived.Load(),
			m.Retransmits.Load(),
			m.ChecksumDrops.Load(), m.MalformedDrops.Load(), m.ProtocolDrops.Load(),
			m.ResetsSent.Load())
	}
}
