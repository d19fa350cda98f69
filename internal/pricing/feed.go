package pricing

import "context"

// Tick is one raw oracle observation.
type Tick struct {
	Price       float64
	TimestampMs int64
}

// TickFunc receives every tick a PriceFeed observes.
type TickFunc func(price float64, timestampMs int64)

// PriceFeed is an oracle source. Spot trade streams and perpetual mid
// prices both satisfy it, so the Aggregator never knows which one it reads.
type PriceFeed interface {
	Connect(ctx context.Context) error
	Disconnect() error
	LastPrice() float64
	LastTimestamp() int64
	Connected() bool
	OnTick(fn TickFunc)
}
