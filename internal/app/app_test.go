package app

import (
	"path/filepath"
	"testing"

	"flashlev/internal/config"

	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Log:   config.LoggingConfig{Level: "info"},
		State: config.StateConfig{SQLitePath: filepath.Join(t.TempDir(), "state.db")},
		Engine: config.EngineConfig{
			Admin:               "0x00000000000000000000000000000000000000aa",
			FeeRecipient:        "0x00000000000000000000000000000000000000ab",
			ProtocolFeeBps:      30,
			LiquidationBonusBps: 500,
			SweepInterval:       1,
		},
		Markets: []config.MarketEntry{
			{
				Token:  "0x0000000000000000000000000000000000000010",
				Market: "0x0000000000000000000000000000000000000011",
			},
		},
		Feeds: []config.FeedEntry{
			{
				Token:    "0x0000000000000000000000000000000000000010",
				Price:    "1000000000000000000",
				Decimals: 18,
			},
		},
	}
}

func TestNewWiresEngine(t *testing.T) {
	application, err := New(testConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer application.store.Close()
	if application.Engine() == nil {
		t.Fatalf("engine not wired")
	}
}

func TestNewRejectsBadStaticPrice(t *testing.T) {
	cfg := testConfig(t)
	cfg.Feeds[0].Price = "not-a-number"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unparseable feed price")
	}
}
