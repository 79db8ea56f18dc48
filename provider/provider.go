// Package provider defines BlockIngestion: the capability set IngestionService
// needs from a chain's RPC endpoint. It is deliberately thin — chain-specific
// decoding (EVM/Starknet/Beacon) lives behind this interface as independent
// leaves with no shared inheritance, grounded on
// beacon-chain/powchain/block_reader.go's cache-then-fetch client shape.
package provider

import (
	"context"

	"github.com/apibara/dna/chain"
)

// BlockIngestion is the external RPC-client collaborator ("ChainProvider" in
// spec.md). Implementations are chain-specific; IngestionService only ever
// talks to this interface.
type BlockIngestion interface {
	// GetHead returns the provider's current view of chain head.
	GetHead(ctx context.Context) (chain.Cursor, error)
	// GetFinalized returns the provider's current finalized cursor.
	GetFinalized(ctx context.Context) (chain.Cursor, error)
	// GetBlockByNumber returns the normalized header for the canonical
	// block at number, without its body.
	GetBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, error)
	// GetBlockByHash returns the normalized header for the block
	// identified by hash, used during reorg walk-back.
	GetBlockByHash(ctx context.Context, hash []byte) (chain.BlockInfo, error)
	// IngestBlockByNumber fetches and decodes the full block (header plus
	// body) at number.
	IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, chain.BlockBody, error)
}
