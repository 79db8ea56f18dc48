// Package evm implements provider.BlockIngestion against an EVM JSON-RPC
// endpoint, grounded on beacon-chain/powchain/block_reader.go's
// cache-then-fetch client shape (minus the eth1 block cache and tracing,
// which belong to that service's own concerns, not this leaf's).
package evm

import (
	"context"
	"math/big"

	"github.com/apibara/dna/chain"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// Client implements provider.BlockIngestion over a standard Ethereum
// JSON-RPC endpoint.
type Client struct {
	rpc *ethclient.Client
}

// Dial connects to an EVM JSON-RPC endpoint at rawurl.
func Dial(rawurl string) (*Client, error) {
	rpc, err := ethclient.Dial(rawurl)
	if err != nil {
		return nil, errors.Wrap(err, "evm: could not dial provider")
	}
	return &Client{rpc: rpc}, nil
}

// GetHead returns the latest block known to the node.
func (c *Client) GetHead(ctx context.Context) (chain.Cursor, error) {
	header, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Cursor{}, errors.Wrap(err, "evm: could not fetch head")
	}
	return headerCursor(header), nil
}

// GetFinalized returns the node's finalized block, per EIP-4399-era RPC
// (the "finalized" block tag).
func (c *Client) GetFinalized(ctx context.Context) (chain.Cursor, error) {
	header, err := c.rpc.HeaderByNumber(ctx, big.NewInt(int64(gethtypes.FinalizedBlockNumber)))
	if err != nil {
		return chain.Cursor{}, errors.Wrap(err, "evm: could not fetch finalized")
	}
	return headerCursor(header), nil
}

// GetBlockByNumber returns the normalized header for number.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	header, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return chain.BlockInfo{}, errors.Wrapf(err, "evm: could not fetch header %d", number)
	}
	return headerInfo(header), nil
}

// GetBlockByHash returns the normalized header for hash.
func (c *Client) GetBlockByHash(ctx context.Context, hash []byte) (chain.BlockInfo, error) {
	header, err := c.rpc.HeaderByHash(ctx, common.BytesToHash(hash))
	if err != nil {
		return chain.BlockInfo{}, errors.Wrapf(err, "evm: could not fetch header %x", hash)
	}
	return headerInfo(header), nil
}

// IngestBlockByNumber fetches the full block at number and splits it into
// a normalized BlockInfo header plus a BlockBody whose fragments are the
// block's transactions, indexed by recipient address.
func (c *Client) IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, chain.BlockBody, error) {
	block, err := c.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "evm: could not fetch block %d", number)
	}
	info := headerInfo(block.Header())
	body, err := blockBody(ctx, c.rpc, block)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, err
	}
	return info, body, nil
}

func headerCursor(header *gethtypes.Header) chain.Cursor {
	return chain.Cursor{Number: header.Number.Uint64(), Hash: header.Hash().Bytes()}
}

func headerInfo(header *gethtypes.Header) chain.BlockInfo {
	status := chain.StatusAccepted
	return chain.BlockInfo{
		Cursor:       headerCursor(header),
		ParentCursor: chain.Cursor{Number: header.Number.Uint64() - 1, Hash: header.ParentHash.Bytes()},
		Status:       status,
		Timestamp:    int64(header.Time),
	}
}

// blockBody indexes each transaction as its own fragment, keyed by
// recipient address (index 0, absent for contract creations).
func blockBody(ctx context.Context, rpc *ethclient.Client, block *gethtypes.Block) (chain.BlockBody, error) {
	txs := block.Transactions()
	body := chain.BlockBody{
		Data:  block.Hash().Bytes(),
		Index: make([]chain.IndexEntry, len(txs)),
		Body:  make([][]byte, len(txs)),
	}
	for i, tx := range txs {
		keys := make(map[uint32]chain.ScalarValue, 1)
		if to := tx.To(); to != nil {
			keys[0] = chain.ScalarValue{Bytes: to.Bytes()}
		}
		data, err := tx.MarshalBinary()
		if err != nil {
			return chain.BlockBody{}, errors.Wrapf(err, "evm: could not encode tx %s", tx.Hash())
		}
		body.Index[i] = chain.IndexEntry{FragmentID: 0, Keys: keys}
		body.Body[i] = data
	}
	return body, nil
}
