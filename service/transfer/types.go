package transfer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/brojonat/txprompt/service/evm"
)

// NativeDecimals is the fixed decimal count of the chain's native asset.
const NativeDecimals uint8 = 18

// Descriptor is a validated transfer instruction produced by the LLM bridge.
type Descriptor struct {
	RecipientAddress string  `json:"recipientAddress"`
	Amount           string  `json:"amount"`
	IsErc20          bool    `json:"isErc20"`
	TokenAddress     *string `json:"tokenAddress"`
}

// Asset returns the display label used in conversation messages.
func (d Descriptor) Asset() string {
	if d.IsErc20 {
		return "ERC20"
	}
	return "ETH"
}

// AssetKind returns the metrics/history label ("erc20" or "native").
func (d Descriptor) AssetKind() string {
	if d.IsErc20 {
		return "erc20"
	}
	return "native"
}

// Result is the outcome of one submission attempt.
type Result struct {
	Success      bool    `json:"success"`
	TxHash       *string `json:"txHash"`
	ErrorMessage *string `json:"errorMessage"`

	// Populated for history and metrics; not part of the user-facing contract.
	Kind             ErrorKind `json:"errorKind,omitempty"`
	AmountMinorUnits string    `json:"amountMinorUnits,omitempty"`
	Decimals         uint8     `json:"decimals,omitempty"`
}

// Plan is a resolved transfer: everything needed to submit it.
type Plan struct {
	Descriptor       Descriptor
	Decimals         uint8
	AmountMinorUnits *big.Int
}

// Wallet is the signing collaborator. *evm.KeyedWallet implements it.
type Wallet interface {
	CurrentAddress() string
	Status() evm.Status
	Connect(ctx context.Context) error
	SendNativeTransfer(ctx context.Context, to string, value *big.Int) (string, error)
	CallContract(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error)
	SignAndSendContractCall(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) (string, error)
}

var _ Wallet = (*evm.KeyedWallet)(nil)
