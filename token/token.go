package token

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance represents insufficient token balance error
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrNegativeAmount = errors.New("negative amount")
)

// BalanceReader is the only part of the governance token the voting engine
// consumes: a live, point-in-time balance lookup.
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
}

type Allocation struct {
	Account common.Address
	Amount  *big.Int
}

// Book is an in-process balance book. It is seeded once from a total supply
// and a list of allocations and then only changed through SetBalance.
type Book struct {
	address common.Address

	mu       sync.RWMutex
	balances map[common.Address]*big.Int
}

func NewBook(address common.Address) *Book {
	return &Book{
		address:  address,
		balances: make(map[common.Address]*big.Int),
	}
}

// Address is the token contract address reported to clients.
func (b *Book) Address() common.Address {
	return b.address
}

func (b *Book) BalanceOf(_ context.Context, account common.Address) (*big.Int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if bal, ok := b.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (b *Book) SetBalance(account common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if amount.Sign() == 0 {
		delete(b.balances, account)
		return nil
	}
	b.balances[account] = new(big.Int).Set(amount)
	return nil
}

func (b *Book) TotalSupply() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := new(big.Int)
	for _, bal := range b.balances {
		total.Add(total, bal)
	}
	return total
}

// Mint seeds the book the way the token constructor does: the whole supply
// goes to owner, then each allocation is moved from owner to its account.
func (b *Book) Mint(owner common.Address, supply *big.Int, allocations []Allocation) error {
	if supply.Sign() < 0 {
		return ErrNegativeAmount
	}

	remaining := new(big.Int).Set(supply)
	balances := make(map[common.Address]*big.Int)
	for _, a := range allocations {
		if a.Amount.Sign() < 0 {
			return fmt.Errorf("allocation for %s: %w", a.Account, ErrNegativeAmount)
		}
		if remaining.Cmp(a.Amount) < 0 {
			return fmt.Errorf("allocation for %s: %w", a.Account, ErrInsufficientBalance)
		}
		remaining.Sub(remaining, a.Amount)
		if cur, ok := balances[a.Account]; ok {
			cur.Add(cur, a.Amount)
		} else {
			balances[a.Account] = new(big.Int).Set(a.Amount)
		}
	}
	if cur, ok := balances[owner]; ok {
		cur.Add(cur, remaining)
	} else {
		balances[owner] = remaining
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = make(map[common.Address]*big.Int)
	for acct, bal := range balances {
		if bal.Sign() > 0 {
			b.balances[acct] = bal
		}
	}
	return nil
}
