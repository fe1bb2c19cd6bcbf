package llm

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/brojonat/txprompt/service/evm"
	"github.com/brojonat/txprompt/service/metrics"
	"github.com/brojonat/txprompt/service/transfer"
)

// sentinel is the substring the model uses to reject input. It also covers INVALID_ADDRESS.
const sentinel = "INVALID"

var (
	fenceRegex   = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	langTagRegex = regexp.MustCompile(`^(?i)json\s*`)
)

// Bridge turns free text into a validated transfer descriptor.
type Bridge struct {
	generator Generator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewBridge creates a Bridge.
// If metrics is nil, no metrics will be recorded.
func NewBridge(generator Generator, m *metrics.Metrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		generator: generator,
		metrics:   m,
		logger:    logger.With("component", "llm_bridge"),
	}
}

// ParseInstruction makes exactly one model call and validates the reply.
// Errors are always *ParseError.
func (b *Bridge) ParseInstruction(ctx context.Context, text string) (*transfer.Descriptor, error) {
	if strings.TrimSpace(text) == "" {
		return nil, unparseable("input is empty")
	}

	start := time.Now()
	d, err := b.parse(ctx, text)
	duration := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		b.logger.WarnContext(ctx, "instruction parse failed",
			"kind", outcome,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		b.logger.DebugContext(ctx, "instruction parsed",
			"recipient", d.RecipientAddress,
			"amount", d.Amount,
			"is_erc20", d.IsErc20,
			"duration_ms", duration.Milliseconds(),
		)
	}
	if b.metrics != nil {
		b.metrics.RecordLLMRequest(b.generator.Model(), outcome, duration.Seconds())
	}

	return d, err
}

func (b *Bridge) parse(ctx context.Context, text string) (*transfer.Descriptor, error) {
	raw, err := b.generator.Generate(ctx, SystemPrompt, text)
	if err != nil {
		return nil, serviceError("language model request failed", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, serviceError("language model returned an empty response", nil)
	}

	if strings.Contains(raw, sentinel) {
		return nil, unparseable("Invalid input. Please provide a valid transaction request command.")
	}

	body, ok := extractJSON(raw)
	if !ok {
		return nil, unparseable("The response from the language model is not in the expected JSON format")
	}
	return decodeDescriptor(body)
}

// extractJSON strips markdown artifacts and returns the JSON object in s.
func extractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if m := fenceRegex.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	s = strings.ReplaceAll(s, "`", "")
	s = strings.TrimSpace(langTagRegex.ReplaceAllString(strings.TrimSpace(s), ""))

	open, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if open < 0 || end < open {
		return "", false
	}
	s = s[open : end+1]
	if !gjson.Valid(s) {
		return "", false
	}
	return s, true
}

// decodeDescriptor checks the shape and addresses of a model reply.
func decodeDescriptor(body string) (*transfer.Descriptor, error) {
	obj := gjson.Parse(body)
	if !obj.IsObject() {
		return nil, invalidDescriptor("expected a JSON object")
	}

	recipient := obj.Get("recipientAddress")
	if recipient.Type != gjson.String {
		return nil, invalidDescriptor("recipientAddress must be a string")
	}

	var amount string
	switch a := obj.Get("amount"); a.Type {
	case gjson.String:
		amount = strings.TrimSpace(a.Str)
	case gjson.Number:
		amount = a.Raw
	default:
		return nil, invalidDescriptor("amount must be a decimal string")
	}
	if err := transfer.ValidateAmount(amount); err != nil {
		return nil, invalidDescriptor("%v", err)
	}

	isErc20 := obj.Get("isErc20")
	if !isErc20.Exists() {
		isErc20 = obj.Get("isERC20")
	}
	if isErc20.Type != gjson.True && isErc20.Type != gjson.False {
		return nil, invalidDescriptor("isErc20 must be a boolean")
	}

	d := &transfer.Descriptor{
		RecipientAddress: strings.TrimSpace(recipient.Str),
		Amount:           amount,
		IsErc20:          isErc20.Bool(),
	}
	if !evm.IsAddress(d.RecipientAddress) {
		return nil, invalidDescriptor("recipientAddress %q is not a valid EVM address", d.RecipientAddress)
	}

	if !d.IsErc20 {
		return d, nil
	}

	token := obj.Get("tokenAddress")
	switch token.Type {
	case gjson.String:
		if s := strings.TrimSpace(token.Str); s != "" {
			d.TokenAddress = &s
		}
	case gjson.Null:
		// missing or null
	default:
		return nil, invalidDescriptor("tokenAddress must be a string or null")
	}
	if d.TokenAddress == nil {
		return nil, invalidDescriptor("ERC20 transfer requires tokenAddress")
	}
	if !evm.IsAddress(*d.TokenAddress) {
		return nil, invalidDescriptor("tokenAddress %q is not a valid EVM address", *d.TokenAddress)
	}
	if evm.SameAddress(d.RecipientAddress, *d.TokenAddress) {
		return nil, invalidDescriptor("recipientAddress must differ from tokenAddress")
	}
	return d, nil
}
