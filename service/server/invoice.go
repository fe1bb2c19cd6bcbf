package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/transfer"
)

// PaymentRequest asks a payer to send funds to the service wallet.
type PaymentRequest struct {
	ID               string    `json:"id"`
	PayToAddress     string    `json:"pay_to_address"`
	ChainID          int64     `json:"chain_id"`
	Amount           string    `json:"amount"`
	AmountMinorUnits string    `json:"amount_minor_units"`
	Decimals         uint8     `json:"decimals"`
	TokenAddress     *string   `json:"token_address,omitempty"`
	PaymentURL       string    `json:"payment_url"`  // EIP-681 URI for wallet apps
	QRCodeData       string    `json:"qr_code_data"` // Base64 encoded QR code image
	CreatedAt        time.Time `json:"created_at"`
}

// TransferResolver computes the on-chain decimals and minor units of a
// transfer without sending it. *transfer.BoundSubmitter implements it.
type TransferResolver interface {
	Resolve(ctx context.Context, d transfer.Descriptor) (*transfer.Plan, error)
}

// generatePaymentRequest builds a payment request for amount (a decimal string)
// of the native asset, or of token when it is non-nil.
func generatePaymentRequest(payTo string, chainID int64, amount string, token *string, decimals uint8) (PaymentRequest, error) {
	minor, err := transfer.ToMinorUnits(amount, decimals)
	if err != nil {
		return PaymentRequest{}, err
	}

	paymentURL := buildPaymentURL(payTo, chainID, minor.String(), token)

	// QR code is optional
	qrCodeData, err := generateQRCode(paymentURL)
	if err != nil {
		qrCodeData = ""
	}

	return PaymentRequest{
		ID:               uuid.New().String(),
		PayToAddress:     payTo,
		ChainID:          chainID,
		Amount:           transfer.FormatMinorUnits(minor, decimals),
		AmountMinorUnits: minor.String(),
		Decimals:         decimals,
		TokenAddress:     token,
		PaymentURL:       paymentURL,
		QRCodeData:       qrCodeData,
		CreatedAt:        time.Now(),
	}, nil
}

// buildPaymentURL creates an EIP-681 payment URI.
// Native:  ethereum:{recipient}@{chainId}?value={wei}
// ERC-20:  ethereum:{token}@{chainId}/transfer?address={recipient}&uint256={minor}
func buildPaymentURL(recipient string, chainID int64, minorUnits string, token *string) string {
	chain := ""
	if chainID > 0 {
		chain = "@" + strconv.FormatInt(chainID, 10)
	}

	if token == nil {
		return fmt.Sprintf("ethereum:%s%s?value=%s", recipient, chain, minorUnits)
	}

	params := url.Values{}
	params.Set("address", recipient)
	params.Set("uint256", minorUnits)
	return fmt.Sprintf("ethereum:%s%s/transfer?%s", *token, chain, params.Encode())
}

// generateQRCode creates a QR code image from a payment URL and returns it as base64-encoded PNG.
func generateQRCode(data string) (string, error) {
	qr, err := qrcode.New(data, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to create QR code: %w", err)
	}

	png, err := qr.PNG(256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}

	return base64.StdEncoding.EncodeToString(png), nil
}

// handlePaymentRequest returns a handler that builds a payment request to the service wallet.
// GET /api/v1/payment-requests?amount={decimal}&token={address}&decimals={n}
// For tokens, decimals are read from the contract when resolver is set; a
// decimals parameter that disagrees with the contract is rejected. Without a
// resolver, decimals defaults to 18.
func handlePaymentRequest(payTo string, chainID int64, resolver TransferResolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		amount := query.Get("amount")
		if err := transfer.ValidateAmount(amount); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		var token *string
		if t := query.Get("token"); t != "" {
			if !evm.IsAddress(t) {
				writeError(w, "token must be a 0x-prefixed 40 hex character address", http.StatusBadRequest)
				return
			}
			token = &t
		}

		decimals := transfer.NativeDecimals
		requested := false
		if raw := query.Get("decimals"); raw != "" {
			d, err := strconv.ParseUint(raw, 10, 8)
			if err != nil || d > 36 {
				writeError(w, "decimals must be an integer between 0 and 36", http.StatusBadRequest)
				return
			}
			decimals = uint8(d)
			requested = true
		}

		if token != nil && resolver != nil {
			plan, err := resolver.Resolve(r.Context(), transfer.Descriptor{
				RecipientAddress: payTo,
				Amount:           amount,
				IsErc20:          true,
				TokenAddress:     token,
			})
			if err != nil {
				logger.Warn("failed to resolve token for payment request", "token", *token, "error", err)
				writeError(w, "failed to read token decimals", http.StatusBadGateway)
				return
			}
			if requested && plan.Decimals != decimals {
				writeError(w, fmt.Sprintf("token has %d decimals, not %d", plan.Decimals, decimals), http.StatusBadRequest)
				return
			}
			decimals = plan.Decimals
		}

		req, err := generatePaymentRequest(payTo, chainID, amount, token, decimals)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		logger.Debug("payment request generated", "id", req.ID, "amount", req.Amount, "token", token, "decimals", decimals)
		writeJSON(w, req, http.StatusOK)
	})
}
