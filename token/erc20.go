package token

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20BalanceABI = `[{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		panic(err)
	}
	erc20ABI = parsed
}

// ERC20 reads balances from a deployed token contract through any
// contract caller, usually an *ethclient.Client.
type ERC20 struct {
	address common.Address
	caller  ethereum.ContractCaller
}

func NewERC20(address common.Address, caller ethereum.ContractCaller) *ERC20 {
	return &ERC20{
		address: address,
		caller:  caller,
	}
}

func (t *ERC20) Address() common.Address {
	return t.address
}

func (t *ERC20) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	input, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}

	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &t.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf(%s): %w", account, err)
	}

	res, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf(%s): %w", account, err)
	}
	bal, ok := res[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", res[0])
	}
	return bal, nil
}
