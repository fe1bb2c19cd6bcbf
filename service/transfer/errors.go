package transfer

import (
	"errors"
	"fmt"

	"github.com/brojonat/txprompt/service/evm"
)

// ErrorKind classifies a failed submission.
type ErrorKind string

const (
	KindWalletUnavailable   ErrorKind = "wallet_unavailable"
	KindContractReadFailure ErrorKind = "contract_read_failure"
	KindSigningRejected     ErrorKind = "signing_rejected"
	KindNetworkFailure      ErrorKind = "network_failure"
	KindInvalidTransfer     ErrorKind = "invalid_transfer"
)

// SubmissionError is a failed submission with its kind.
type SubmissionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SubmissionError) Error() string {
	return e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func newSubmissionError(kind ErrorKind, format string, args ...interface{}) *SubmissionError {
	return &SubmissionError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// classifySendError maps a wallet send failure to a kind.
func classifySendError(err error) ErrorKind {
	switch {
	case errors.Is(err, evm.ErrNotConnected), errors.Is(err, evm.ErrUnavailable):
		return KindWalletUnavailable
	case errors.Is(err, evm.ErrNoSigner), errors.Is(err, evm.ErrSigning):
		return KindSigningRejected
	default:
		return KindNetworkFailure
	}
}
