package transfer

import "sync/atomic"

// TransferMetrics contains atomic counters of the transfer engine.
// One instance may be shared by many engines; the values can back
// prometheus CounterFunc or GaugeFunc collectors.
type TransferMetrics struct {
	// LinesSent counts lines written (standard) or acknowledged (drip).
	LinesSent atomic.Uint64
	// BytesSent counts encoded payload bytes of sent lines, terminators included.
	BytesSent atomic.Uint64
	// BlockWriteCount counts drip block write attempts, retries included.
	BlockWriteCount atomic.Uint64
	// BlockRetryCount counts drip block re-sends.
	BlockRetryCount atomic.Uint64
	// NAKCount counts NAK replies.
	NAKCount atomic.Uint64
	// AckTimeoutCount counts drip blocks that got neither ACK nor NAK in time.
	AckTimeoutCount atomic.Uint64
	// FlowPauseCount counts XOFF pauses requested by the controller.
	FlowPauseCount atomic.Uint64
	// ActiveTransfers is the number of engines currently running.
	ActiveTransfers atomic.Int64
}

func (m *TransferMetrics) addLine(bytes int) {
	m.LinesSent.Add(1)
	m.BytesSent.Add(uint64(bytes))
}

func (m *TransferMetrics) incBlockWriteCount() {
	m.BlockWriteCount.Add(1)
}

func (m *TransferMetrics) incBlockRetryCount() {
	m.BlockRetryCount.Add(1)
}

func (m *TransferMetrics) incNAKCount() {
	m.NAKCount.Add(1)
}

func (m *TransferMetrics) incAckTimeoutCount() {
	m.AckTimeoutCount.Add(1)
}

func (m *TransferMetrics) incFlowPauseCount() {
	m.FlowPauseCount.Add(1)
}
