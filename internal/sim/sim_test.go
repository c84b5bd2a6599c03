package sim

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	tokenA   = common.HexToAddress("0x0000000000000000000000000000000000000010")
	marketA  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	account1 = common.HexToAddress("0x0000000000000000000000000000000000000001")
	account2 = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestBankTransferRejectsOverdraft(t *testing.T) {
	bank := NewBank()
	bank.Mint(tokenA, account1, big.NewInt(100))

	err := bank.Transfer(context.Background(), tokenA, account1, account2, big.NewInt(101))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	bal, _ := bank.BalanceOf(context.Background(), tokenA, account1)
	if bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("balance mutated by rejected transfer: %s", bal)
	}
}

func TestLendingTracksSupplyAndBorrow(t *testing.T) {
	ctx := context.Background()
	bank := NewBank()
	lending := NewLending(bank)
	lending.AddMarket(marketA, tokenA, big.NewInt(10_000))
	bank.Mint(tokenA, account1, big.NewInt(500))

	if err := lending.Supply(ctx, marketA, big.NewInt(500), account1); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	if err := lending.Withdraw(ctx, marketA, big.NewInt(600), account1); err == nil {
		t.Fatalf("withdraw above supplied succeeded")
	}
	if err := lending.Borrow(ctx, marketA, big.NewInt(300), account1, account1); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if err := lending.Repay(ctx, marketA, big.NewInt(400), account1); err == nil {
		t.Fatalf("repay above borrowed succeeded")
	}
	if got := lending.Supplied(marketA); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("supplied = %s, want 500", got)
	}
	if got := lending.Borrowed(marketA); got.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("borrowed = %s, want 300", got)
	}
}

func TestFlashLoanRequiresRepayment(t *testing.T) {
	ctx := context.Background()
	bank := NewBank()
	provider := common.HexToAddress("0x0000000000000000000000000000000000000071")
	loans := NewLoans(bank, provider, account1)
	loans.Fund(tokenA, big.NewInt(1000))

	// A handler that spends the principal cannot settle the loan.
	loans.SetHandler(func(ctx context.Context, _, token common.Address, amount *big.Int, _ []byte) error {
		return bank.Transfer(ctx, token, account1, account2, amount)
	})
	if err := loans.FlashLoan(ctx, tokenA, big.NewInt(500), nil); err == nil {
		t.Fatalf("unrepaid flash loan succeeded")
	}

	// A handler that keeps the funds settles fine.
	loans.SetHandler(func(context.Context, common.Address, common.Address, *big.Int, []byte) error {
		return nil
	})
	if err := loans.FlashLoan(ctx, tokenA, big.NewInt(100), nil); err != nil {
		t.Fatalf("FlashLoan: %v", err)
	}
}
