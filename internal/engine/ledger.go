package engine

import "matchbook/internal/common"

// TradeLedgerCapacity is how many recent trades the engine retains.
const TradeLedgerCapacity = 500

// TradeLedger is a fixed capacity ring of the most recent trades. Once full,
// each new trade overwrites the oldest one. It is a window of recent
// executions, not an audit log.
type TradeLedger struct {
	trades []common.Trade
	start  int    // Index of the oldest retained trade
	size   int    // Number of retained trades
	total  uint64 // Trades ever recorded
}

func NewTradeLedger(capacity int) *TradeLedger {
	if capacity <= 0 {
		capacity = TradeLedgerCapacity
	}
	return &TradeLedger{trades: make([]common.Trade, capacity)}
}

// Record appends a trade, evicting the oldest when the ledger is full.
func (l *TradeLedger) Record(trade common.Trade) {
	capacity := len(l.trades)
	if l.size < capacity {
		l.trades[(l.start+l.size)%capacity] = trade
		l.size++
	} else {
		l.trades[l.start] = trade
		l.start = (l.start + 1) % capacity
	}
	l.total++
}

// Recent returns the retained trades, oldest first.
func (l *TradeLedger) Recent() []common.Trade {
	capacity := len(l.trades)
	out := make([]common.Trade, l.size)
	for i := range out {
		out[i] = l.trades[(l.start+i)%capacity]
	}
	return out
}

func (l *TradeLedger) Len() int { return l.size }
func (l *TradeLedger) Cap() int { return len(l.trades) }

// Total is the number of trades recorded since creation, evicted ones included.
func (l *TradeLedger) Total() uint64 { return l.total }
