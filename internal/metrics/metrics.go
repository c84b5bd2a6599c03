package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Inc()
	Dec()
	Set(v float64)
}

type Metrics struct {
	PositionsOpened     Counter
	PositionsModified   Counter
	PositionsClosed     Counter
	FullLiquidations    Counter
	PartialLiquidations Counter
	FlashLoans          Counter
	CallbacksRejected   Counter
	OperationsFailed    Counter
	OpenPositions       Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Inc()          {}
func (noopGauge) Dec()          {}
func (noopGauge) Set(_ float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		PositionsOpened:     n,
		PositionsModified:   n,
		PositionsClosed:     n,
		FullLiquidations:    n,
		PartialLiquidations: n,
		FlashLoans:          n,
		CallbacksRejected:   n,
		OperationsFailed:    n,
		OpenPositions:       noopGauge{},
	}
}
