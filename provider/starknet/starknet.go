// Package starknet implements provider.BlockIngestion against a Starknet
// JSON-RPC endpoint. It reuses go-ethereum's generic JSON-RPC client
// (github.com/ethereum/go-ethereum/rpc) rather than a bespoke HTTP client:
// Starknet's node JSON-RPC transport is wire-compatible with the same
// request/response envelope the teacher already depends on for EVM.
package starknet

import (
	"context"

	"github.com/apibara/dna/chain"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// Client implements provider.BlockIngestion over the Starknet JSON-RPC API.
type Client struct {
	rpc *gethrpc.Client
}

// Dial connects to a Starknet JSON-RPC endpoint at rawurl.
func Dial(ctx context.Context, rawurl string) (*Client, error) {
	rpc, err := gethrpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, errors.Wrap(err, "starknet: could not dial provider")
	}
	return &Client{rpc: rpc}, nil
}

type blockHeader struct {
	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	ParentHash  string `json:"parent_hash"`
	Timestamp   int64  `json:"timestamp"`
	Status      string `json:"status"`
}

type transaction struct {
	Hash          string `json:"transaction_hash"`
	ContractAddr  string `json:"contract_address"`
	SenderAddress string `json:"sender_address"`
}

type blockWithTxs struct {
	blockHeader
	Transactions []transaction `json:"transactions"`
}

// GetHead returns the "latest" block tag.
func (c *Client) GetHead(ctx context.Context) (chain.Cursor, error) {
	var h blockHeader
	if err := c.rpc.CallContext(ctx, &h, "starknet_getBlockWithTxHashes", "latest"); err != nil {
		return chain.Cursor{}, errors.Wrap(err, "starknet: could not fetch head")
	}
	return headerCursor(h), nil
}

// GetFinalized returns the "accepted_on_l1" block tag (Starknet's analogue
// of finality, anchored to the L1 settlement).
func (c *Client) GetFinalized(ctx context.Context) (chain.Cursor, error) {
	var h blockHeader
	if err := c.rpc.CallContext(ctx, &h, "starknet_getBlockWithTxHashes", "accepted_on_l1"); err != nil {
		return chain.Cursor{}, errors.Wrap(err, "starknet: could not fetch finalized")
	}
	return headerCursor(h), nil
}

// GetBlockByNumber returns the normalized header for number.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	var h blockHeader
	if err := c.rpc.CallContext(ctx, &h, "starknet_getBlockWithTxHashes", blockID(number)); err != nil {
		return chain.BlockInfo{}, errors.Wrapf(err, "starknet: could not fetch block %d", number)
	}
	return headerInfo(h), nil
}

// GetBlockByHash returns the normalized header for hash.
func (c *Client) GetBlockByHash(ctx context.Context, hash []byte) (chain.BlockInfo, error) {
	var h blockHeader
	if err := c.rpc.CallContext(ctx, &h, "starknet_getBlockWithTxHashes", map[string]string{"block_hash": string(hash)}); err != nil {
		return chain.BlockInfo{}, errors.Wrapf(err, "starknet: could not fetch block %x", hash)
	}
	return headerInfo(h), nil
}

// IngestBlockByNumber fetches the full block at number and splits it into
// a normalized header plus a body indexing each transaction by contract
// address.
func (c *Client) IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, chain.BlockBody, error) {
	var b blockWithTxs
	if err := c.rpc.CallContext(ctx, &b, "starknet_getBlockWithTxs", blockID(number)); err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "starknet: could not fetch block %d", number)
	}
	info := headerInfo(b.blockHeader)
	body := chain.BlockBody{
		Data:  []byte(b.BlockHash),
		Index: make([]chain.IndexEntry, len(b.Transactions)),
		Body:  make([][]byte, len(b.Transactions)),
	}
	for i, tx := range b.Transactions {
		keys := map[uint32]chain.ScalarValue{}
		if tx.ContractAddr != "" {
			keys[0] = chain.ScalarValue{Bytes: []byte(tx.ContractAddr)}
		}
		body.Index[i] = chain.IndexEntry{FragmentID: 0, Keys: keys}
		body.Body[i] = []byte(tx.Hash)
	}
	return info, body, nil
}

func blockID(number uint64) map[string]uint64 {
	return map[string]uint64{"block_number": number}
}

func hashHex(hash []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2+len(hash)*2)
	out[0], out[1] = '0', 'x'
	for i, b := range hash {
		out[2+i*2] = hextable[b>>4]
		out[3+i*2] = hextable[b&0x0f]
	}
	return string(out)
}

func headerCursor(h blockHeader) chain.Cursor {
	return chain.Cursor{Number: h.BlockNumber, Hash: []byte(h.BlockHash)}
}

func headerInfo(h blockHeader) chain.BlockInfo {
	status := chain.StatusAccepted
	if h.Status == "ACCEPTED_ON_L1" {
		status = chain.StatusFinalized
	}
	return chain.BlockInfo{
		Cursor:       headerCursor(h),
		ParentCursor: chain.Cursor{Number: h.BlockNumber - 1, Hash: []byte(h.ParentHash)},
		Status:       status,
		Timestamp:    h.Timestamp,
	}
}
