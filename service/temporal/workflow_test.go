package temporal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/brojonat/txprompt/service/transfer"
)

const (
	testWallet    = "0x9999999999999999999999999999999999999999"
	testRecipient = "0x742d35Cc6634C0532925a3b844Bc454e4438f44e"
	testToken     = "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
)

func strPtr(s string) *string { return &s }

func TestSubmitTransferWorkflow(t *testing.T) {
	input := SubmitTransferInput{
		SessionID: "sess-1",
		Descriptor: transfer.Descriptor{
			RecipientAddress: testRecipient,
			Amount:           "0.1",
		},
	}

	tests := []struct {
		name           string
		mockActivity   func(*testsuite.MockCallWrapper)
		validateResult func(*testing.T, *SubmitTransferResult)
	}{
		{
			name: "successful transfer",
			mockActivity: func(m *testsuite.MockCallWrapper) {
				m.Return(&SubmitTransferResult{
					SessionID:     "sess-1",
					WalletAddress: testWallet,
					Result:        transfer.Result{Success: true, TxHash: strPtr("0xHASH")},
				}, nil)
			},
			validateResult: func(t *testing.T, r *SubmitTransferResult) {
				assert.True(t, r.Result.Success)
				require.NotNil(t, r.Result.TxHash)
				assert.Equal(t, "0xHASH", *r.Result.TxHash)
				assert.Equal(t, testWallet, r.WalletAddress)
			},
		},
		{
			name: "failed transfer is passed through",
			mockActivity: func(m *testsuite.MockCallWrapper) {
				m.Return(&SubmitTransferResult{
					SessionID: "sess-1",
					Result: transfer.Result{
						ErrorMessage: strPtr("insufficient funds"),
						Kind:         transfer.KindNetworkFailure,
					},
				}, nil)
			},
			validateResult: func(t *testing.T, r *SubmitTransferResult) {
				assert.False(t, r.Result.Success)
				assert.Nil(t, r.Result.TxHash)
				require.NotNil(t, r.Result.ErrorMessage)
				assert.Equal(t, "insufficient funds", *r.Result.ErrorMessage)
			},
		},
		{
			name: "activity error becomes network failure",
			mockActivity: func(m *testsuite.MockCallWrapper) {
				m.Return(nil, errors.New("worker lost"))
			},
			validateResult: func(t *testing.T, r *SubmitTransferResult) {
				assert.False(t, r.Result.Success)
				assert.Equal(t, "sess-1", r.SessionID)
				assert.Equal(t, transfer.KindNetworkFailure, r.Result.Kind)
				require.NotNil(t, r.Result.ErrorMessage)
				assert.Contains(t, *r.Result.ErrorMessage, "worker lost")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testSuite := &testsuite.WorkflowTestSuite{}
			env := testSuite.NewTestWorkflowEnvironment()

			activities := &Activities{}
			env.RegisterActivity(activities.SubmitTransfer)
			tt.mockActivity(env.OnActivity(activities.SubmitTransfer, mock.Anything, mock.Anything))

			env.ExecuteWorkflow(SubmitTransferWorkflow, input)

			require.True(t, env.IsWorkflowCompleted())
			require.NoError(t, env.GetWorkflowError())

			var result SubmitTransferResult
			require.NoError(t, env.GetWorkflowResult(&result))
			tt.validateResult(t, &result)
		})
	}
}

func TestSubmitTransferWorkflow_NeverRetries(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.SubmitTransfer)

	attempts := 0
	env.OnActivity(activities.SubmitTransfer, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { attempts++ }).
		Return(nil, errors.New("rpc timeout"))

	env.ExecuteWorkflow(SubmitTransferWorkflow, SubmitTransferInput{
		Descriptor: transfer.Descriptor{RecipientAddress: testRecipient, Amount: "1"},
	})

	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 1, attempts)
}

func TestSubmitTransferWorkflow_RealActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	wallet := transfer.NewMockWallet(testWallet, "0xHASH")
	wallet.SetDecimals(6)
	env.RegisterActivity(NewActivities(wallet, nil, testLogger()))

	env.ExecuteWorkflow(SubmitTransferWorkflow, SubmitTransferInput{
		SessionID: "sess-2",
		Descriptor: transfer.Descriptor{
			RecipientAddress: testRecipient,
			Amount:           "25",
			IsErc20:          true,
			TokenAddress:     strPtr(testToken),
		},
	})

	require.NoError(t, env.GetWorkflowError())

	var result SubmitTransferResult
	require.NoError(t, env.GetWorkflowResult(&result))
	assert.True(t, result.Result.Success)
	assert.Equal(t, "25000000", result.Result.AmountMinorUnits)

	sends := wallet.GetContractSends()
	require.Len(t, sends, 1)
	assert.Equal(t, "transfer", sends[0].Method)
}
