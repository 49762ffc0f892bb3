// Package agent implements the execution policy of an automated trading
// agent: it quotes a swap, derives the minimum acceptable output and the
// deadline, and falls back across fee tiers and output tokens when the vault
// rejects an attempt with a retryable error.
package agent
