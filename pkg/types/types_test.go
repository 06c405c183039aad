package types

import "testing"

func TestStatusTransitionsMonotone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to OrderStatus
		want     bool
	}{
		{StatusNew, StatusPending, true},
		{StatusNew, StatusFilled, true},
		{StatusPending, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusPending, StatusNew, false},
		{StatusFilled, StatusCanceled, false},
		{StatusCanceled, StatusPending, false},
		{StatusRejected, StatusFilled, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.want {
			t.Errorf("CanTransition(%s → %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestPositionRisk(t *testing.T) {
	t.Parallel()

	p := Position{Quantity: 1000, EntryPrice: 50, StopPrice: 44}
	if got := p.Risk(); got != 6000 {
		t.Errorf("Risk() = %v, want 6000", got)
	}

	short := Position{Quantity: -200, EntryPrice: 100, StopPrice: 110}
	if got := short.Risk(); got != 2000 {
		t.Errorf("short Risk() = %v, want 2000", got)
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite() should flip sides")
	}
}

func TestMarketDataClose(t *testing.T) {
	t.Parallel()

	m := MarketDataPayload{Data: [][]float64{
		{1700000000000, 100, 102, 99, 101, 12.5},
		{1700000060000, 101, 103, 100, 102.5, 9.1},
	}}
	close, ok := m.Close()
	if !ok || close != 102.5 {
		t.Errorf("Close() = %v, %v; want 102.5, true", close, ok)
	}

	if _, ok := (MarketDataPayload{}).Close(); ok {
		t.Error("empty batch should report no close")
	}
}
