package transfer

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/brojonat/txprompt/service/evm"
)

// MockWallet is an in-memory Wallet for testing.
type MockWallet struct {
	mu sync.Mutex

	address    string
	status     evm.Status
	txHash     string
	decimals   uint8
	connectErr error
	callErr    error
	sendErr    error

	connectCalls int
	nativeSends  []MockSend
	contractSent []MockSend
}

// MockSend records one send through the mock.
type MockSend struct {
	To     string
	Method string
	Value  *big.Int
	Args   []interface{}
}

// NewMockWallet creates a connected mock wallet that returns txHash for every send.
func NewMockWallet(address, txHash string) *MockWallet {
	return &MockWallet{
		address:  address,
		status:   evm.StatusConnected,
		txHash:   txHash,
		decimals: 18,
	}
}

func (m *MockWallet) CurrentAddress() string {
	return m.address
}

func (m *MockWallet) Status() evm.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockWallet) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.status = evm.StatusConnected
	return nil
}

func (m *MockWallet) SendNativeTransfer(ctx context.Context, to string, value *big.Int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.nativeSends = append(m.nativeSends, MockSend{To: to, Value: new(big.Int).Set(value)})
	return m.txHash, nil
}

func (m *MockWallet) CallContract(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callErr != nil {
		return nil, m.callErr
	}
	if method != "decimals" {
		return nil, fmt.Errorf("mock wallet: unsupported read %q", method)
	}
	return []interface{}{m.decimals}, nil
}

func (m *MockWallet) SignAndSendContractCall(ctx context.Context, address string, contract abi.ABI, method string, args ...interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.contractSent = append(m.contractSent, MockSend{To: address, Method: method, Args: args})
	return m.txHash, nil
}

// SetDisconnected marks the wallet disconnected so the next submission must connect.
func (m *MockWallet) SetDisconnected(connectErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = evm.StatusDisconnected
	m.connectErr = connectErr
}

// SetDecimals sets the value returned by decimals().
func (m *MockWallet) SetDecimals(d uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decimals = d
}

// SetCallError makes every contract read fail.
func (m *MockWallet) SetCallError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callErr = err
}

// SetSendError makes every send fail.
func (m *MockWallet) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// GetConnectCalls returns how many times Connect was called.
func (m *MockWallet) GetConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// GetNativeSends returns recorded native transfers.
func (m *MockWallet) GetNativeSends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.nativeSends))
	copy(out, m.nativeSends)
	return out
}

// GetContractSends returns recorded contract calls.
func (m *MockWallet) GetContractSends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.contractSent))
	copy(out, m.contractSent)
	return out
}

// SendCount returns the total number of successful sends.
func (m *MockWallet) SendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nativeSends) + len(m.contractSent)
}

var _ Wallet = (*MockWallet)(nil)
