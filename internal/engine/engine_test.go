package engine_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"flashlev/internal/engine"
	"flashlev/internal/ledger"
	"flashlev/internal/metrics"
	"flashlev/internal/oracle"
	"flashlev/internal/registry"
	"flashlev/internal/sim"
)

type countingCounter struct {
	n int
}

func (c *countingCounter) Inc() { c.n++ }

var (
	engineAddr     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	adminAddr      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice          = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob            = common.HexToAddress("0x0000000000000000000000000000000000000002")
	liquidatorAddr = common.HexToAddress("0x0000000000000000000000000000000000000003")
	feeAddr        = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	providerAddr   = common.HexToAddress("0x0000000000000000000000000000000000000071")
	asset          = common.HexToAddress("0x0000000000000000000000000000000000000010")
	assetMarket    = common.HexToAddress("0x0000000000000000000000000000000000000011")
	stable         = common.HexToAddress("0x0000000000000000000000000000000000000020")
	stableMarket   = common.HexToAddress("0x0000000000000000000000000000000000000021")
)

type harness struct {
	bank       *sim.Bank
	lending    *sim.Lending
	swap       *sim.Swap
	loans      *sim.Loans
	proxy      *providerProxy
	ownership  *sim.Ownership
	assetFeed  *oracle.StaticFeed
	stableFeed *oracle.StaticFeed
	prices     *oracle.Resolver
	book       *ledger.Ledger
	eng        *engine.Engine
	events     []engine.Event
	rejected   *countingCounter
}

// newHarness wires the engine to the in-memory collaborators with both
// token prices at 10.0 (scale 1 decimal), so amounts of the two legs
// start out value-equivalent.
func newHarness(t *testing.T, haircutBps, bonusBps int64) *harness {
	t.Helper()
	h := &harness{
		bank:       sim.NewBank(),
		ownership:  sim.NewOwnership(),
		assetFeed:  oracle.NewStaticFeed(big.NewInt(100), 1),
		stableFeed: oracle.NewStaticFeed(big.NewInt(100), 1),
		prices:     oracle.NewResolver(),
		book:       ledger.New(nil),
	}
	h.prices.Register(asset, h.assetFeed)
	h.prices.Register(stable, h.stableFeed)
	h.lending = sim.NewLending(h.bank)
	h.lending.AddMarket(assetMarket, asset, big.NewInt(100_000_000))
	h.lending.AddMarket(stableMarket, stable, big.NewInt(100_000_000))
	h.swap = sim.NewSwap(h.bank, h.prices, engineAddr, haircutBps)
	h.loans = sim.NewLoans(h.bank, providerAddr, engineAddr)
	h.loans.Fund(asset, big.NewInt(100_000_000))
	h.loans.Fund(stable, big.NewInt(100_000_000))
	h.proxy = &providerProxy{inner: h.loans}

	markets := registry.NewMarkets()
	markets.Register(asset, assetMarket)
	markets.Register(stable, stableMarket)

	h.rejected = &countingCounter{}
	met := metrics.NewNoop()
	met.CallbacksRejected = h.rejected

	eng, err := engine.New(engine.Options{
		Metrics: met,
		Collaborators: engine.Collaborators{
			Bank:      h.bank,
			Lending:   h.lending,
			Swap:      h.swap,
			Loans:     h.proxy,
			Ownership: h.ownership,
		},
		Oracle:              h.prices,
		Markets:             markets,
		Book:                h.book,
		Self:                engineAddr,
		Admin:               adminAddr,
		ProtocolFeeBps:      30,
		FeeRecipient:        feeAddr,
		LiquidationBonusBps: uint32(bonusBps),
		Sink:                func(ev engine.Event) { h.events = append(h.events, ev) },
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	h.eng = eng
	h.loans.SetHandler(eng.HandleLoan)

	for _, account := range []common.Address{alice, bob, liquidatorAddr} {
		h.bank.Mint(asset, account, big.NewInt(1_000_000))
		h.bank.Mint(stable, account, big.NewInt(1_000_000))
	}
	return h
}

func (h *harness) balance(t *testing.T, token, account common.Address) *big.Int {
	t.Helper()
	bal, err := h.bank.BalanceOf(context.Background(), token, account)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return bal
}

func wantAmount(t *testing.T, name string, got *big.Int, want int64) {
	t.Helper()
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("%s = %s, want %d", name, got, want)
	}
}

func TestOpenLongMatchesLeverageMath(t *testing.T) {
	h := newHarness(t, 500, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	// Loan is 4x the 10 units of collateral; the 5% venue haircut turns
	// 40 debt tokens into 38 collateral tokens.
	wantAmount(t, "collateral", pos.Collateral, 48)
	wantAmount(t, "debt", pos.Debt, 40)
	if pos.Direction != ledger.DirectionLong {
		t.Fatalf("direction = %s", pos.Direction)
	}

	hf, err := h.eng.HealthFactor(ctx, id)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	want, _ := new(big.Int).SetString("1200000000000000000", 10)
	if hf.Cmp(want) != 0 {
		t.Fatalf("health = %s, want %s", hf, want)
	}

	owner, err := h.ownership.OwnerOf(ctx, id)
	if err != nil || owner != alice {
		t.Fatalf("OwnerOf = %s, %v", owner.Hex(), err)
	}
	if len(h.events) != 1 || h.events[0].Kind != engine.EventOpened {
		t.Fatalf("events = %+v", h.events)
	}
}

func TestOpenShortBorrowsFullNotional(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, stable, asset, big.NewInt(10), 3, ledger.DirectionShort)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	// Shorts borrow the full 3x notional and sell it into the collateral
	// leg.
	wantAmount(t, "collateral", pos.Collateral, 40)
	wantAmount(t, "debt", pos.Debt, 30)
	if pos.Direction != ledger.DirectionShort {
		t.Fatalf("direction = %s", pos.Direction)
	}
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()
	unlisted := common.HexToAddress("0x0000000000000000000000000000000000000099")

	cases := []struct {
		name      string
		amount    *big.Int
		leverage  uint32
		direction ledger.Direction
		coll      common.Address
		debt      common.Address
		want      error
	}{
		{"zero amount", big.NewInt(0), 5, ledger.DirectionLong, asset, stable, engine.ErrInvalidAmount},
		{"leverage too low", big.NewInt(10), 1, ledger.DirectionLong, asset, stable, engine.ErrInvalidLeverage},
		{"leverage too high", big.NewInt(10), 21, ledger.DirectionLong, asset, stable, engine.ErrInvalidLeverage},
		{"bad direction", big.NewInt(10), 5, ledger.Direction(0), asset, stable, engine.ErrInvalidDirection},
		{"unlisted token", big.NewInt(10), 5, ledger.DirectionLong, unlisted, stable, registry.ErrNoMarketRegistered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.eng.OpenPosition(ctx, alice, tc.coll, tc.debt, tc.amount, tc.leverage, tc.direction)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if h.book.Count() != 0 {
				t.Fatalf("ledger not empty after rejected open")
			}
		})
	}
}

func TestOpenFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()
	injected := errors.New("venue down")
	h.swap.SwapErr = injected

	_, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 5, ledger.DirectionLong)
	if !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if h.book.Count() != 0 {
		t.Fatalf("ledger has %d positions after failed open", h.book.Count())
	}
	// Collateral refunded, handle burned.
	wantAmount(t, "alice asset", h.balance(t, asset, alice), 1_000_000)
	if _, err := h.ownership.OwnerOf(ctx, 1); err == nil {
		t.Fatalf("handle survived failed open")
	}
	if len(h.events) != 0 {
		t.Fatalf("events emitted for failed open: %+v", h.events)
	}
}

func TestOpenBorrowFailureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()
	injected := errors.New("market paused")
	h.lending.BorrowErr = injected

	_, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 5, ledger.DirectionLong)
	if !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected failure", err)
	}
	if h.book.Count() != 0 {
		t.Fatalf("ledger has %d positions after failed open", h.book.Count())
	}
	if _, err := h.ownership.OwnerOf(ctx, 1); err == nil {
		t.Fatalf("handle survived failed open")
	}
}

func TestHealthFactorExamples(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	put := func(id uint64, coll, debt int64) {
		err := h.book.Put(ctx, &ledger.Position{
			ID:              id,
			CollateralToken: asset,
			DebtToken:       stable,
			Collateral:      big.NewInt(coll),
			Debt:            big.NewInt(debt),
			Direction:       ledger.DirectionLong,
		})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	put(1, 100, 80)
	hf, err := h.eng.HealthFactor(ctx, 1)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	want, _ := new(big.Int).SetString("1250000000000000000", 10)
	if hf.Cmp(want) != 0 {
		t.Fatalf("health = %s, want %s", hf, want)
	}
	if liq, _ := h.eng.IsLiquidatable(ctx, 1); liq {
		t.Fatalf("125%% position reported liquidatable")
	}

	put(2, 100, 0)
	hf, err = h.eng.HealthFactor(ctx, 2)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if hf.Cmp(engine.MaxHealthFactor()) != 0 {
		t.Fatalf("debt-free health = %s, want max", hf)
	}

	if _, err := h.eng.HealthFactor(ctx, 404); !errors.Is(err, engine.ErrUnknownPosition) {
		t.Fatalf("err = %v, want ErrUnknownPosition", err)
	}
}

func TestHealthDropsWithCollateralPrice(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	prev, err := h.eng.HealthFactor(ctx, id)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	for _, price := range []int64{95, 90, 85} {
		h.assetFeed.SetPrice(big.NewInt(price))
		hf, err := h.eng.HealthFactor(ctx, id)
		if err != nil {
			t.Fatalf("HealthFactor at %d: %v", price, err)
		}
		if hf.Cmp(prev) >= 0 {
			t.Fatalf("health did not fall: %s -> %s at price %d", prev, hf, price)
		}
		prev = hf
	}
}

func TestModifyIncrease(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 2, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := h.eng.ModifyPosition(ctx, alice, id, big.NewInt(5000)); err != nil {
		t.Fatalf("ModifyPosition: %v", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 25_000)
	wantAmount(t, "debt", pos.Debt, 15_000)
}

func TestModifyIncreaseRejectsUnhealthyResult(t *testing.T) {
	h := newHarness(t, 500, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 2, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	// With a 5% haircut a huge increase drags collateral-per-debt toward
	// 0.95, below the 1.05 floor.
	err = h.eng.ModifyPosition(ctx, alice, id, big.NewInt(100_000))
	if !errors.Is(err, engine.ErrHealthBelowThreshold) {
		t.Fatalf("err = %v, want ErrHealthBelowThreshold", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 1950)
	wantAmount(t, "debt", pos.Debt, 1000)
}

func TestModifyDecreaseLong(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 2, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	stableBefore := h.balance(t, stable, alice)

	if err := h.eng.ModifyPosition(ctx, alice, id, big.NewInt(-5000)); err != nil {
		t.Fatalf("ModifyPosition: %v", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	// Pro-rata: 5000 of 20000 collateral retires 2500 of 10000 debt; the
	// other 2500 of swap output is surplus paid to the owner.
	wantAmount(t, "collateral", pos.Collateral, 15_000)
	wantAmount(t, "debt", pos.Debt, 7500)
	surplus := new(big.Int).Sub(h.balance(t, stable, alice), stableBefore)
	wantAmount(t, "owner surplus", surplus, 2500)
}

func TestModifyDecreaseShort(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, stable, asset, big.NewInt(10_000), 3, ledger.DirectionShort)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	pos, _ := h.eng.GetPosition(id)
	wantAmount(t, "collateral", pos.Collateral, 40_000)
	wantAmount(t, "debt", pos.Debt, 30_000)
	assetBefore := h.balance(t, asset, alice)

	if err := h.eng.ModifyPosition(ctx, alice, id, big.NewInt(-8000)); err != nil {
		t.Fatalf("ModifyPosition: %v", err)
	}
	pos, err = h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 32_000)
	wantAmount(t, "debt", pos.Debt, 24_000)
	surplus := new(big.Int).Sub(h.balance(t, asset, alice), assetBefore)
	wantAmount(t, "owner surplus", surplus, 2000)
}

func TestModifyDecreaseRejectsUnhealthyPosition(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	// 5000/4000 at equal prices; asset at 8.3 puts health at 1.0375, and
	// the floor-division pro-rata split can never lift it back above 1.05.
	h.assetFeed.SetPrice(big.NewInt(83))

	err = h.eng.ModifyPosition(ctx, alice, id, big.NewInt(-1000))
	if !errors.Is(err, engine.ErrHealthBelowThreshold) {
		t.Fatalf("err = %v, want ErrHealthBelowThreshold", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 5000)
	wantAmount(t, "debt", pos.Debt, 4000)
	// Rejected before any side effects: nothing moved to the owner.
	wantAmount(t, "alice stable", h.balance(t, stable, alice), 1_000_000)
}

func TestModifyGuards(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 2, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}

	if err := h.eng.ModifyPosition(ctx, bob, id, big.NewInt(100)); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if err := h.eng.ModifyPosition(ctx, alice, 404, big.NewInt(100)); !errors.Is(err, engine.ErrUnknownPosition) {
		t.Fatalf("err = %v, want ErrUnknownPosition", err)
	}
	if err := h.eng.ModifyPosition(ctx, alice, id, big.NewInt(0)); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if err := h.eng.ModifyPosition(ctx, alice, id, big.NewInt(-20_000)); !errors.Is(err, engine.ErrDeltaExceedsPosition) {
		t.Fatalf("err = %v, want ErrDeltaExceedsPosition", err)
	}

	pos, _ := h.eng.GetPosition(id)
	wantAmount(t, "collateral", pos.Collateral, 20_000)
	wantAmount(t, "debt", pos.Debt, 10_000)
}

func TestClosePosition(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := h.eng.ClosePosition(ctx, alice, id); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	if _, err := h.eng.GetPosition(id); !errors.Is(err, engine.ErrUnknownPosition) {
		t.Fatalf("position survived close: %v", err)
	}
	if _, err := h.ownership.OwnerOf(ctx, id); err == nil {
		t.Fatalf("handle survived close")
	}
	// 50_000 collateral withdrawn, 150 fee (30 bps), 40_000 swapped to
	// repay debt, 9850 returned: alice nets -150 against her start.
	wantAmount(t, "fee recipient", h.balance(t, asset, feeAddr), 150)
	wantAmount(t, "alice asset", h.balance(t, asset, alice), 999_850)
	wantAmount(t, "alice stable", h.balance(t, stable, alice), 1_000_000)
}

func TestCloseInsufficientSwapOutput(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	// A violent haircut makes the debt-sized swap come up short.
	h.swap.SetHaircut(2000)

	err = h.eng.ClosePosition(ctx, alice, id)
	if !errors.Is(err, engine.ErrInsufficientSwapOutput) {
		t.Fatalf("err = %v, want ErrInsufficientSwapOutput", err)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("position gone after failed close: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 50_000)
	wantAmount(t, "debt", pos.Debt, 40_000)
}

func TestCloseRequiresOwner(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(10_000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	if err := h.eng.ClosePosition(ctx, bob, id); !errors.Is(err, engine.ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestLiquidateHealthyPositionRejected(t *testing.T) {
	h := newHarness(t, 0, 500)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	err = h.eng.Liquidate(ctx, liquidatorAddr, id)
	if !errors.Is(err, engine.ErrHealthyPosition) {
		t.Fatalf("err = %v, want ErrHealthyPosition", err)
	}
}

func TestLiquidatePartial(t *testing.T) {
	h := newHarness(t, 0, 100)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	// 5000/4000 at equal prices; asset at 8.3 puts health at 1.0375.
	h.assetFeed.SetPrice(big.NewInt(83))
	liq, err := h.eng.IsLiquidatable(ctx, id)
	if err != nil || !liq {
		t.Fatalf("IsLiquidatable = %v, %v", liq, err)
	}
	stableBefore := h.balance(t, stable, liquidatorAddr)
	assetBefore := h.balance(t, asset, liquidatorAddr)

	if err := h.eng.Liquidate(ctx, liquidatorAddr, id); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}

	// Seize target: debt value 40_000 plus 1% bonus = 40_400, which is
	// ceil(404_000/83) = 4868 collateral units, leaving a debt-free
	// remainder on the book.
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("position gone after partial liquidation: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 132)
	wantAmount(t, "debt", pos.Debt, 0)

	paid := new(big.Int).Sub(stableBefore, h.balance(t, stable, liquidatorAddr))
	wantAmount(t, "liquidator paid", paid, 4000)
	seized := new(big.Int).Sub(h.balance(t, asset, liquidatorAddr), assetBefore)
	wantAmount(t, "liquidator seized", seized, 4868)

	last := h.events[len(h.events)-1]
	if last.Kind != engine.EventPartiallyLiquidated {
		t.Fatalf("event = %s, want %s", last.Kind, engine.EventPartiallyLiquidated)
	}
}

func TestLiquidateFullWithBadDebt(t *testing.T) {
	h := newHarness(t, 0, 100)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	// Asset at 7.0: collateral value 35_000 against debt value 40_000.
	h.assetFeed.SetPrice(big.NewInt(70))

	if err := h.eng.Liquidate(ctx, liquidatorAddr, id); err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if _, err := h.eng.GetPosition(id); !errors.Is(err, engine.ErrUnknownPosition) {
		t.Fatalf("position survived full liquidation: %v", err)
	}
	if _, err := h.ownership.OwnerOf(ctx, id); err == nil {
		t.Fatalf("handle survived full liquidation")
	}

	last := h.events[len(h.events)-1]
	if last.Kind != engine.EventLiquidated {
		t.Fatalf("event = %s, want %s", last.Kind, engine.EventLiquidated)
	}
	wantAmount(t, "seized", last.Seized, 5000)
	wantAmount(t, "repaid", last.Repaid, 4000)
	wantAmount(t, "bad debt", last.BadDebt, 5000)
}

func TestLiquidateSettlementFailureRefundsLiquidator(t *testing.T) {
	h := newHarness(t, 0, 100)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	h.assetFeed.SetPrice(big.NewInt(70))
	h.lending.RepayErr = errors.New("market frozen")
	stableBefore := h.balance(t, stable, liquidatorAddr)

	err = h.eng.Liquidate(ctx, liquidatorAddr, id)
	if !errors.Is(err, engine.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if diff := new(big.Int).Sub(stableBefore, h.balance(t, stable, liquidatorAddr)); diff.Sign() != 0 {
		t.Fatalf("liquidator out of pocket by %s after failed settlement", diff)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("position gone after failed liquidation: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 5000)
	wantAmount(t, "debt", pos.Debt, 4000)
}

func TestLiquidateWithdrawFailureRefundsLiquidator(t *testing.T) {
	h := newHarness(t, 0, 100)
	ctx := context.Background()

	id, err := h.eng.OpenPosition(ctx, alice, asset, stable, big.NewInt(1000), 5, ledger.DirectionLong)
	if err != nil {
		t.Fatalf("OpenPosition: %v", err)
	}
	h.assetFeed.SetPrice(big.NewInt(70))
	// The debt repay lands, then the collateral withdrawal is refused: the
	// repaid debt must be re-borrowed and the liquidator made whole.
	h.lending.WithdrawErr = errors.New("market frozen")
	stableBefore := h.balance(t, stable, liquidatorAddr)

	err = h.eng.Liquidate(ctx, liquidatorAddr, id)
	if !errors.Is(err, engine.ErrSettlementFailed) {
		t.Fatalf("err = %v, want ErrSettlementFailed", err)
	}
	if diff := new(big.Int).Sub(stableBefore, h.balance(t, stable, liquidatorAddr)); diff.Sign() != 0 {
		t.Fatalf("liquidator out of pocket by %s after failed settlement", diff)
	}
	pos, err := h.eng.GetPosition(id)
	if err != nil {
		t.Fatalf("position gone after failed liquidation: %v", err)
	}
	wantAmount(t, "collateral", pos.Collateral, 5000)
	wantAmount(t, "debt", pos.Debt, 4000)
	// Market debt matches the book again, so a later close or liquidation
	// cannot double-repay.
	wantAmount(t, "market borrowed", h.lending.Borrowed(stableMarket), 4000)
	wantAmount(t, "market supplied", h.lending.Supplied(assetMarket), 5000)
}

func TestLiquidateUnknownPosition(t *testing.T) {
	h := newHarness(t, 0, 100)
	err := h.eng.Liquidate(context.Background(), liquidatorAddr, 404)
	if !errors.Is(err, engine.ErrUnknownPosition) {
		t.Fatalf("err = %v, want ErrUnknownPosition", err)
	}
}

func TestAdminSurface(t *testing.T) {
	h := newHarness(t, 0, 500)
	token := common.HexToAddress("0x0000000000000000000000000000000000000030")
	market := common.HexToAddress("0x0000000000000000000000000000000000000031")

	if err := h.eng.RegisterMarket(bob, token, market); !errors.Is(err, engine.ErrNotAdmin) {
		t.Fatalf("err = %v, want ErrNotAdmin", err)
	}
	if err := h.eng.RegisterMarket(adminAddr, token, market); err != nil {
		t.Fatalf("RegisterMarket: %v", err)
	}
	if err := h.eng.RegisterPriceFeed(adminAddr, token, oracle.NewStaticFeed(big.NewInt(50), 1)); err != nil {
		t.Fatalf("RegisterPriceFeed: %v", err)
	}

	if err := h.eng.SetProtocolFee(bob, 10); !errors.Is(err, engine.ErrNotAdmin) {
		t.Fatalf("err = %v, want ErrNotAdmin", err)
	}
	if err := h.eng.SetProtocolFee(adminAddr, 101); !errors.Is(err, engine.ErrFeeAboveCap) {
		t.Fatalf("err = %v, want ErrFeeAboveCap", err)
	}
	if err := h.eng.SetProtocolFee(adminAddr, 50); err != nil {
		t.Fatalf("SetProtocolFee: %v", err)
	}
	if got := h.eng.ProtocolFeeBps(); got != 50 {
		t.Fatalf("ProtocolFeeBps = %d, want 50", got)
	}
	if err := h.eng.SetFeeRecipient(adminAddr, feeAddr); err != nil {
		t.Fatalf("SetFeeRecipient: %v", err)
	}
}
