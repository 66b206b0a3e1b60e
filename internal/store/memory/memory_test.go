package memory

import (
	"context"
	"math"
	"testing"

	"perpsim/internal/ledger"
	"perpsim/internal/model"
)

func openLong(t *testing.T, s *Store, margin, leverage, entry float64) *model.Position {
	t.Helper()
	p := &model.Position{
		UserID: "u1", Symbol: "BTCUSDT", Side: model.SideLong,
		EntryPrice: entry, Margin: margin, Size: margin * leverage, Leverage: leverage,
	}
	if err := s.OpenPosition(context.Background(), p); err != nil {
		t.Fatalf("open: %v", err)
	}
	return p
}

func TestOpenDeductsMarginAndFee(t *testing.T) {
	s := New(10000)
	ctx := context.Background()

	openLong(t, s, 1000, 10, 30000)

	bal, _ := s.Balance(ctx, "u1")
	want := 10000 - 1000 - 10000*ledger.OpenFeePct
	if math.Abs(bal-want) > 1e-9 {
		t.Fatalf("balance = %f, want %f", bal, want)
	}
}

func TestOpenRejectsOverdraft(t *testing.T) {
	s := New(500)
	p := &model.Position{
		UserID: "u1", Symbol: "BTCUSDT", Side: model.SideLong,
		EntryPrice: 30000, Margin: 1000, Size: 10000, Leverage: 10,
	}
	if err := s.OpenPosition(context.Background(), p); err == nil {
		t.Fatal("expected overdraft rejection")
	}
	ps, _ := s.Positions(context.Background(), "u1")
	if len(ps) != 0 {
		t.Fatalf("positions = %d, want 0 after rejection", len(ps))
	}
}

func TestCloseCreditsAndRecordsHistory(t *testing.T) {
	s := New(10000)
	ctx := context.Background()

	p := openLong(t, s, 1000, 10, 30000)
	if err := s.ClosePosition(ctx, "u1", p.ID, 30300); err != nil {
		t.Fatalf("close: %v", err)
	}

	bal, _ := s.Balance(ctx, "u1")
	// Margin and +100 pnl come back after the 10 fee.
	if math.Abs(bal-10090) > 1e-9 {
		t.Fatalf("balance = %f, want 10090", bal)
	}
	h, _ := s.History(ctx, "u1", 10)
	if len(h) != 1 || math.Abs(h[0].PnL-100) > 1e-9 {
		t.Fatalf("history = %+v, want one +100 entry", h)
	}
}

func TestPartialCloseScalesPosition(t *testing.T) {
	s := New(10000)
	ctx := context.Background()

	p := openLong(t, s, 1000, 10, 30000)
	if err := s.ClosePositionPartial(ctx, "u1", p.ID, 30000, 25); err != nil {
		t.Fatalf("partial: %v", err)
	}

	ps, _ := s.Positions(ctx, "u1")
	if math.Abs(ps[0].Margin-750) > 1e-9 || math.Abs(ps[0].Size-7500) > 1e-9 {
		t.Fatalf("margin/size = %f/%f, want 750/7500", ps[0].Margin, ps[0].Size)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	s := New(100000)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p := openLong(t, s, 100, 2, 100)
		if err := s.ClosePosition(ctx, "u1", p.ID, 100+float64(i)); err != nil {
			t.Fatal(err)
		}
	}

	h, _ := s.History(ctx, "u1", 2)
	if len(h) != 2 {
		t.Fatalf("history = %d entries, want limit of 2", len(h))
	}
	if h[0].ExitPrice != 102 || h[1].ExitPrice != 101 {
		t.Fatalf("order = %f, %f, want newest first (102, 101)", h[0].ExitPrice, h[1].ExitPrice)
	}
}

func TestDeletePendingOrderIdempotent(t *testing.T) {
	s := New(10000)
	ctx := context.Background()

	o := &model.PendingOrder{UserID: "u1", Symbol: "BTCUSDT", OrderType: model.OrderLimit, Side: model.SideLong, TriggerPrice: 100}
	if err := s.SavePendingOrder(ctx, o); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePendingOrder(ctx, "u1", o.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePendingOrder(ctx, "u1", o.ID); err != nil {
		t.Fatalf("second delete: %v, want no-op", err)
	}
}
