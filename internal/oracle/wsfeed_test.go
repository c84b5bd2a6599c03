package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestWSFeedHandleTick(t *testing.T) {
	client := NewWSFeedClient("ws://example", time.Second, 0, nil)
	feed := client.SymbolFeed("ETHUSD")

	if _, _, err := feed.LatestPrice(context.Background()); !errors.Is(err, errNoTick) {
		t.Fatalf("expected errNoTick before first tick, got %v", err)
	}

	client.handle([]byte(`{"channel":"price","data":{"symbol":"ETHUSD","price":"200000000000","decimals":8}}`))

	price, decimals, err := feed.LatestPrice(context.Background())
	if err != nil {
		t.Fatalf("latestPrice failed: %v", err)
	}
	if price.Cmp(big.NewInt(200_000_000_000)) != 0 || decimals != 8 {
		t.Fatalf("unexpected tick %s/%d", price, decimals)
	}
}

func TestWSFeedIgnoresMalformedMessages(t *testing.T) {
	client := NewWSFeedClient("ws://example", time.Second, 0, nil)
	feed := client.SymbolFeed("BTCUSD")

	client.handle([]byte(`not json`))
	client.handle([]byte(`{"channel":"trades","data":{"symbol":"BTCUSD","price":"1"}}`))
	client.handle([]byte(`{"channel":"price","data":{"symbol":"BTCUSD","price":"-5","decimals":2}}`))
	client.handle([]byte(`{"channel":"price","data":{"symbol":"BTCUSD","price":"abc","decimals":2}}`))

	if _, _, err := feed.LatestPrice(context.Background()); !errors.Is(err, errNoTick) {
		t.Fatalf("expected errNoTick after malformed ticks, got %v", err)
	}
}
