package llm

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-1.5-flash"

// SystemPrompt is attached to every parse request.
const SystemPrompt = `Parse the user's command into an EVM-compatible transaction. Identify:
1. The recipient address (to receive ETH or tokens).
2. The token contract address for ERC20 transfers (if applicable).
3. The transfer amount exactly as provided by the user (in human-readable decimal format).
4. Do not convert the amount to wei; return it as a string in its original format.

Rules:
- For ERC20 tokens, assume the token uses 18 decimals unless otherwise specified (no conversion to wei is required).
- The recipient address must be distinct from the token contract address.
- Validate the token contract address to ensure it is not a wallet address.
- Return "INVALID" if the input format is unrecognized.
- Return "INVALID_ADDRESS" if any address is not a valid EVM address.

For valid commands, return the output strictly in this JSON format:
{
  "recipientAddress": "0x000...",
  "amount": "0.1",
  "isErc20": true,
  "tokenAddress": "0x345..."
}
"amount" is the decimal value as provided by the user. "tokenAddress" is null for ETH transfers.`
