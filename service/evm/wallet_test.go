package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/txprompt/service/metrics"
)

const testRecipient = "0x1111111111111111111111111111111111111111"

// fakeRPC is an in-memory RPCClient.
type fakeRPC struct {
	mu sync.Mutex

	chainID  *big.Int
	baseFee  *big.Int
	nonce    uint64
	callData []byte
	callOut  []byte
	callErr  error
	sendErr  error
	sent     []*types.Transaction
	closed   bool
	estimate uint64
}

func newFakeRPC(chainID int64) *fakeRPC {
	return &fakeRPC{
		chainID:  big.NewInt(chainID),
		baseFee:  big.NewInt(30_000_000_000),
		nonce:    7,
		estimate: 21000,
	}
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(50_000_000_000), nil
}

func (f *fakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callData = msg.Data
	return f.callOut, f.callErr
}

func (f *fakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeRPC) Close() { f.closed = true }

func dialerFor(rpc RPCClient) Dialer {
	return func(ctx context.Context, rawURL string) (RPCClient, error) {
		return rpc, nil
	}
}

func testConfig() WalletConfig {
	return WalletConfig{RPCURL: "https://rpc-amoy.polygon.technology/secret", ChainID: 80002, RPCTimeout: time.Second}
}

func newTestWallet(t *testing.T, rpc RPCClient) *KeyedWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := NewKeyedWallet(testConfig(), common.Bytes2Hex(crypto.FromECDSA(key)), nil, nil)
	require.NoError(t, err)
	return w.WithDialer(dialerFor(rpc))
}

func TestNewKeyedWallet_InvalidKey(t *testing.T) {
	_, err := NewKeyedWallet(testConfig(), "not-a-key", nil, nil)
	assert.Error(t, err)
}

func TestNewKeyedWallet_AcceptsPrefixedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	w, err := NewKeyedWallet(testConfig(), "0x"+common.Bytes2Hex(crypto.FromECDSA(key)), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), w.CurrentAddress())
	assert.True(t, w.CanSign())
}

func TestConnect(t *testing.T) {
	rpc := newFakeRPC(80002)
	w := newTestWallet(t, rpc)
	assert.Equal(t, StatusDisconnected, w.Status())

	require.NoError(t, w.Connect(context.Background()))
	assert.Equal(t, StatusConnected, w.Status())

	// second call is a no-op
	require.NoError(t, w.Connect(context.Background()))

	w.Close()
	assert.Equal(t, StatusDisconnected, w.Status())
	assert.True(t, rpc.closed)
}

func TestConnect_WrongChain(t *testing.T) {
	rpc := newFakeRPC(1)
	w := newTestWallet(t, rpc)

	err := w.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "chain 1")
	assert.Equal(t, StatusDisconnected, w.Status())
	assert.True(t, rpc.closed)
}

func TestConnect_DialFailure(t *testing.T) {
	w := newTestWallet(t, nil)
	w.WithDialer(func(ctx context.Context, rawURL string) (RPCClient, error) {
		return nil, errors.New("connection refused")
	})

	err := w.Connect(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotContains(t, err.Error(), "secret")
}

func TestSendNativeTransfer_NotConnected(t *testing.T) {
	w := newTestWallet(t, newFakeRPC(80002))

	_, err := w.SendNativeTransfer(context.Background(), testRecipient, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendNativeTransfer_DynamicFee(t *testing.T) {
	rpc := newFakeRPC(80002)
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	value := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	hash, err := w.SendNativeTransfer(context.Background(), testRecipient, value)
	require.NoError(t, err)

	require.Len(t, rpc.sent, 1)
	tx := rpc.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, 0, tx.Value().Cmp(value))
	assert.Equal(t, common.HexToAddress(testRecipient), *tx.To())
	assert.Equal(t, "2000000000", tx.GasTipCap().String())
	assert.Equal(t, "62000000000", tx.GasFeeCap().String())
	assert.Equal(t, "80002", tx.ChainId().String())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(80002)), tx)
	require.NoError(t, err)
	assert.Equal(t, w.CurrentAddress(), sender.Hex())
}

func TestSendNativeTransfer_LegacyFallback(t *testing.T) {
	rpc := newFakeRPC(80002)
	rpc.baseFee = nil
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	_, err := w.SendNativeTransfer(context.Background(), testRecipient, big.NewInt(1))
	require.NoError(t, err)

	require.Len(t, rpc.sent, 1)
	assert.Equal(t, uint8(types.LegacyTxType), rpc.sent[0].Type())
	assert.Equal(t, "50000000000", rpc.sent[0].GasPrice().String())
}

func TestSendNativeTransfer_SendError(t *testing.T) {
	rpc := newFakeRPC(80002)
	rpc.sendErr = errors.New("insufficient funds for gas * price + value")
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	_, err := w.SendNativeTransfer(context.Background(), testRecipient, big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestSendNativeTransfer_InvalidRecipient(t *testing.T) {
	rpc := newFakeRPC(80002)
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	_, err := w.SendNativeTransfer(context.Background(), "0x123", big.NewInt(1))
	assert.Error(t, err)
	assert.Empty(t, rpc.sent)
}

func TestSendNativeTransfer_SequentialNonces(t *testing.T) {
	rpc := newFakeRPC(80002)
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.SendNativeTransfer(context.Background(), testRecipient, big.NewInt(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, rpc.sent, 5)
	seen := make(map[uint64]bool)
	for _, tx := range rpc.sent {
		assert.False(t, seen[tx.Nonce()], "duplicate nonce %d", tx.Nonce())
		seen[tx.Nonce()] = true
	}
}

func TestCallContract_Decimals(t *testing.T) {
	rpc := newFakeRPC(80002)
	out, err := ERC20ABI.Methods["decimals"].Outputs.Pack(uint8(6))
	require.NoError(t, err)
	rpc.callOut = out

	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	values, err := w.CallContract(context.Background(), "0x2222222222222222222222222222222222222222", ERC20ABI, "decimals")
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, uint8(6), values[0])
	assert.Equal(t, ERC20ABI.Methods["decimals"].ID, rpc.callData)
}

func TestCallContract_Error(t *testing.T) {
	rpc := newFakeRPC(80002)
	rpc.callErr = errors.New("execution reverted")
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	_, err := w.CallContract(context.Background(), "0x2222222222222222222222222222222222222222", ERC20ABI, "decimals")
	assert.ErrorContains(t, err, "execution reverted")
}

func TestSignAndSendContractCall(t *testing.T) {
	rpc := newFakeRPC(80002)
	rpc.estimate = 52000
	w := newTestWallet(t, rpc)
	require.NoError(t, w.Connect(context.Background()))

	token := "0x2222222222222222222222222222222222222222"
	hash, err := w.SignAndSendContractCall(context.Background(), token, ERC20ABI, "transfer",
		common.HexToAddress(testRecipient), big.NewInt(100000))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	require.Len(t, rpc.sent, 1)
	tx := rpc.sent[0]
	assert.Equal(t, common.HexToAddress(token), *tx.To())
	assert.Equal(t, 0, tx.Value().Sign())
	assert.Equal(t, ERC20ABI.Methods["transfer"].ID, tx.Data()[:4])

	args, err := ERC20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testRecipient), args[0])
	assert.Equal(t, "100000", args[1].(*big.Int).String())
}

func TestWatchWallet_CannotSign(t *testing.T) {
	rpc := newFakeRPC(80002)
	w, err := NewWatchWallet(testConfig(), "0x3333333333333333333333333333333333333333", nil, nil)
	require.NoError(t, err)
	w.WithDialer(dialerFor(rpc))
	require.NoError(t, w.Connect(context.Background()))
	assert.False(t, w.CanSign())

	_, err = w.SendNativeTransfer(context.Background(), testRecipient, big.NewInt(1))
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestNewWatchWallet_InvalidAddress(t *testing.T) {
	_, err := NewWatchWallet(testConfig(), "nope", nil, nil)
	assert.Error(t, err)
}

func TestWallet_RecordsRPCMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := NewKeyedWallet(testConfig(), common.Bytes2Hex(crypto.FromECDSA(key)), m, nil)
	require.NoError(t, err)
	w.WithDialer(dialerFor(newFakeRPC(80002)))

	require.NoError(t, w.Connect(context.Background()))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "evm_rpc_calls_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "endpoint" {
					assert.Equal(t, "rpc-amoy.polygon.technology", label.GetValue())
					found = true
				}
			}
		}
	}
	assert.True(t, found)
}

func TestAddressHelpers(t *testing.T) {
	assert.True(t, IsAddress("0xAbCdEf0123456789abcdef0123456789ABCDEF01"))
	assert.False(t, IsAddress("AbCdEf0123456789abcdef0123456789ABCDEF01"))
	assert.False(t, IsAddress("0x123"))
	assert.False(t, IsAddress("0xZZCdEf0123456789abcdef0123456789ABCDEF01"))

	assert.True(t, SameAddress("0xabcdef0123456789abcdef0123456789abcdef01", "0xABCDEF0123456789ABCDEF0123456789ABCDEF01"))
	assert.False(t, SameAddress(testRecipient, "0x2222222222222222222222222222222222222222"))
}
