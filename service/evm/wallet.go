package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/txprompt/service/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Status is the wallet's connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

var (
	// ErrUnavailable is returned when the RPC endpoint cannot be reached or the
	// wallet is pointed at the wrong chain.
	ErrUnavailable = errors.New("wallet unavailable")

	// ErrNotConnected is returned by calls made before Connect succeeded.
	ErrNotConnected = errors.New("wallet not connected")

	// ErrNoSigner is returned when a watch-only wallet is asked to sign.
	ErrNoSigner = errors.New("wallet has no signing key")

	// ErrSigning wraps failures to build or sign a transaction.
	ErrSigning = errors.New("transaction signing failed")
)

// WalletConfig holds the network settings shared by every wallet.
type WalletConfig struct {
	RPCURL     string
	ChainID    int64
	RPCTimeout time.Duration
}

// KeyedWallet is a wallet backed by a local private key and a JSON-RPC endpoint.
// Without a key it is watch-only: it can read contracts but not sign.
type KeyedWallet struct {
	cfg      WalletConfig
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	address  common.Address
	dial     Dialer
	endpoint string // metrics label, host only so API keys in the path never leak
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	rpc    RPCClient
	status Status

	// sendMu serializes nonce allocation across concurrent submissions.
	sendMu sync.Mutex
}

// NewKeyedWallet creates a signing wallet from a hex private key (0x prefix optional).
// If metrics is nil, no metrics will be recorded.
func NewKeyedWallet(cfg WalletConfig, privateKeyHex string, m *metrics.Metrics, logger *slog.Logger) (*KeyedWallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid wallet private key: %w", err)
	}
	w := newWallet(cfg, m, logger)
	w.key = key
	w.address = crypto.PubkeyToAddress(key.PublicKey)
	return w, nil
}

// NewWatchWallet creates a read-only wallet for address.
func NewWatchWallet(cfg WalletConfig, address string, m *metrics.Metrics, logger *slog.Logger) (*KeyedWallet, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	w := newWallet(cfg, m, logger)
	w.address = addr
	return w, nil
}

func newWallet(cfg WalletConfig, m *metrics.Metrics, logger *slog.Logger) *KeyedWallet {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyedWallet{
		cfg:      cfg,
		chainID:  big.NewInt(cfg.ChainID),
		dial:     DialEthClient,
		endpoint: endpointLabel(cfg.RPCURL),
		metrics:  m,
		logger:   logger.With("component", "evm_wallet"),
		status:   StatusDisconnected,
	}
}

// WithDialer replaces the RPC dialer. Used by tests.
func (w *KeyedWallet) WithDialer(d Dialer) *KeyedWallet {
	w.dial = d
	return w
}

// CurrentAddress returns the checksummed wallet address.
func (w *KeyedWallet) CurrentAddress() string {
	return w.address.Hex()
}

// CanSign reports whether the wallet holds a private key.
func (w *KeyedWallet) CanSign() bool {
	return w.key != nil
}

// Status returns the current connection state.
func (w *KeyedWallet) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

// Connect dials the RPC endpoint and verifies it serves the configured chain.
// It is a no-op when already connected.
func (w *KeyedWallet) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.rpc != nil {
		return nil
	}
	w.status = StatusConnecting

	client, err := w.dial(ctx, w.cfg.RPCURL)
	if err != nil {
		w.status = StatusDisconnected
		w.logger.ErrorContext(ctx, "failed to dial rpc endpoint", "endpoint", w.endpoint, "error", err)
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, w.endpoint, err)
	}

	callCtx, cancel := w.callContext(ctx)
	defer cancel()
	start := time.Now()
	chainID, err := client.ChainID(callCtx)
	w.recordRPC("eth_chainId", start, err)
	if err != nil {
		client.Close()
		w.status = StatusDisconnected
		return fmt.Errorf("%w: query chain id: %v", ErrUnavailable, err)
	}

	if chainID.Cmp(w.chainID) != 0 {
		client.Close()
		w.status = StatusDisconnected
		w.logger.WarnContext(ctx, "rpc endpoint serves a different chain",
			"endpoint", w.endpoint,
			"expected_chain_id", w.chainID.String(),
			"actual_chain_id", chainID.String(),
		)
		return fmt.Errorf("%w: endpoint is on chain %s, expected chain %s", ErrUnavailable, chainID, w.chainID)
	}

	w.rpc = client
	w.status = StatusConnected
	w.logger.InfoContext(ctx, "wallet connected",
		"address", w.address.Hex(),
		"chain_id", w.chainID.String(),
		"endpoint", w.endpoint,
		"can_sign", w.key != nil,
	)
	return nil
}

// Close drops the RPC connection.
func (w *KeyedWallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rpc != nil {
		w.rpc.Close()
		w.rpc = nil
	}
	w.status = StatusDisconnected
}

// CallContract performs a read-only contract call and decodes its outputs.
func (w *KeyedWallet) CallContract(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	client, err := w.client()
	if err != nil {
		return nil, err
	}
	to, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s call: %w", method, err)
	}

	callCtx, cancel := w.callContext(ctx)
	defer cancel()
	start := time.Now()
	out, err := client.CallContract(callCtx, ethereum.CallMsg{From: w.address, To: &to, Data: data}, nil)
	w.recordRPC("eth_call", start, err)
	if err != nil {
		return nil, fmt.Errorf("%s call to %s failed: %w", method, to.Hex(), err)
	}

	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return values, nil
}

// SignAndSendContractCall encodes a state-changing call, signs it and submits it.
// Returns the transaction hash once the node accepts it.
func (w *KeyedWallet) SignAndSendContractCall(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) (string, error) {
	to, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s call: %v", ErrSigning, method, err)
	}
	return w.send(ctx, to, big.NewInt(0), data)
}

// SendNativeTransfer submits a plain value transfer of value wei to address.
func (w *KeyedWallet) SendNativeTransfer(ctx context.Context, to string, value *big.Int) (string, error) {
	addr, err := ParseAddress(to)
	if err != nil {
		return "", err
	}
	return w.send(ctx, addr, value, nil)
}

func (w *KeyedWallet) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	if w.key == nil {
		return "", ErrNoSigner
	}
	client, err := w.client()
	if err != nil {
		return "", err
	}

	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	callCtx, cancel := w.callContext(ctx)
	defer cancel()

	start := time.Now()
	nonce, err := client.PendingNonceAt(callCtx, w.address)
	w.recordRPC("eth_getTransactionCount", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}

	start = time.Now()
	gas, err := client.EstimateGas(callCtx, ethereum.CallMsg{From: w.address, To: &to, Value: value, Data: data})
	w.recordRPC("eth_estimateGas", start, err)
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx, err := w.buildTx(callCtx, client, nonce, gas, to, value, data)
	if err != nil {
		return "", err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}

	start = time.Now()
	err = client.SendTransaction(callCtx, signed)
	w.recordRPC("eth_sendRawTransaction", start, err)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to send transaction",
			"to", to.Hex(),
			"nonce", nonce,
			"error", err,
		)
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	hash := signed.Hash().Hex()
	w.logger.InfoContext(ctx, "transaction submitted",
		"tx_hash", hash,
		"to", to.Hex(),
		"nonce", nonce,
		"gas", gas,
	)
	return hash, nil
}

// buildTx prefers an EIP-1559 transaction and falls back to a legacy one on
// chains whose head carries no base fee.
func (w *KeyedWallet) buildTx(ctx context.Context, client RPCClient, nonce, gas uint64, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	start := time.Now()
	head, err := client.HeaderByNumber(ctx, nil)
	w.recordRPC("eth_getBlockByNumber", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest header: %w", err)
	}

	if head.BaseFee == nil {
		start = time.Now()
		gasPrice, err := client.SuggestGasPrice(ctx)
		w.recordRPC("eth_gasPrice", start, err)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     data,
		}), nil
	}

	start = time.Now()
	tip, err := client.SuggestGasTipCap(ctx)
	w.recordRPC("eth_maxPriorityFeePerGas", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   w.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

func (w *KeyedWallet) client() (RPCClient, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.rpc == nil {
		return nil, ErrNotConnected
	}
	return w.rpc, nil
}

func (w *KeyedWallet) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.cfg.RPCTimeout > 0 {
		return context.WithTimeout(ctx, w.cfg.RPCTimeout)
	}
	return context.WithCancel(ctx)
}

func (w *KeyedWallet) recordRPC(method string, start time.Time, err error) {
	if w.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	w.metrics.RecordRPCCall(method, status, w.endpoint, time.Since(start).Seconds())
}

func endpointLabel(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
