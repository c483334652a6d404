package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

	routerABIJSON = `[
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"}
]`

	gatewayABIJSON = `[
{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"rate","type":"uint256"},{"name":"refundAddress","type":"address"},{"name":"reference","type":"bytes32"}],"name":"createOrder","outputs":[{"name":"orderId","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"}
]`

	feeCollectorABIJSON = `[
{"inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"name":"collect","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`
)

var (
	erc20ABI        abi.ABI
	routerABI       abi.ABI
	gatewayABI      abi.ABI
	feeCollectorABI abi.ABI
)

// RateScale is the fixed-point scale of the gateway rate argument.
var RateScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func init() {
	erc20ABI = mustParse("ERC-20", erc20ABIJSON)
	routerABI = mustParse("router", routerABIJSON)
	gatewayABI = mustParse("gateway", gatewayABIJSON)
	feeCollectorABI = mustParse("fee collector", feeCollectorABIJSON)
}

func mustParse(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}

// PackApprove encodes ERC-20 approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackTransfer encodes ERC-20 transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// PackSwapExactIn encodes router swapExactTokensForTokens.
func PackSwapExactIn(amountIn, minOut *big.Int, path []common.Address, to common.Address, deadline int64) ([]byte, error) {
	return routerABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, to, big.NewInt(deadline))
}

// PackCreateOrder encodes gateway createOrder.
func PackCreateOrder(token common.Address, amount, rate *big.Int, refund common.Address, reference [32]byte) ([]byte, error) {
	return gatewayABI.Pack("createOrder", token, amount, rate, refund, reference)
}

// PackCollect encodes fee collector collect(token, amount).
func PackCollect(token common.Address, amount *big.Int) ([]byte, error) {
	return feeCollectorABI.Pack("collect", token, amount)
}

func packBalanceOf(owner common.Address) ([]byte, error) {
	return erc20ABI.Pack("balanceOf", owner)
}

func packAllowance(owner, spender common.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

func packGetAmountsOut(amountIn *big.Int, path []common.Address) ([]byte, error) {
	return routerABI.Pack("getAmountsOut", amountIn, path)
}

func unpackUint(contract abi.ABI, method string, data []byte) (*big.Int, error) {
	outputs, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return value, nil
}

func unpackAmounts(data []byte) ([]*big.Int, error) {
	outputs, err := routerABI.Unpack("getAmountsOut", data)
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected getAmountsOut response")
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok {
		return nil, errors.New("failed to decode getAmountsOut output")
	}
	return amounts, nil
}

// MethodName returns the ABI method whose selector prefixes data, or "unknown".
func MethodName(data []byte) string {
	if len(data) < 4 {
		return "unknown"
	}
	for _, contract := range []abi.ABI{erc20ABI, routerABI, gatewayABI, feeCollectorABI} {
		if m, err := contract.MethodById(data[:4]); err == nil {
			return m.Name
		}
	}
	return "unknown"
}
