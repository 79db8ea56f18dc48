// Package beacon implements provider.BlockIngestion against an Ethereum
// consensus-layer ("beacon") node's REST API. Unlike provider/evm and
// provider/starknet, no pack example ships a beacon REST client — the
// teacher's own beacon-chain code is a REST/gRPC *server*, and its
// validator gRPC client talks protobuf, a different wire shape than the
// plain-JSON beacon-node API this package targets. net/http + encoding/json
// is used directly; this is a documented stdlib exception, not a default.
package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/apibara/dna/chain"
	"github.com/pkg/errors"
)

// Client implements provider.BlockIngestion over the standardized beacon
// node REST API (https://ethereum.github.io/beacon-APIs/).
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client targeting baseURL (e.g. "http://localhost:5052").
func New(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: http.DefaultClient}
}

type headerEnvelope struct {
	Data struct {
		Root   string `json:"root"`
		Header struct {
			Message struct {
				Slot          string `json:"slot"`
				ParentRoot    string `json:"parent_root"`
				ProposerIndex string `json:"proposer_index"`
			} `json:"message"`
		} `json:"header"`
	} `json:"data"`
}

func (c *Client) getHeader(ctx context.Context, blockID string) (headerEnvelope, error) {
	var env headerEnvelope
	url := fmt.Sprintf("%s/eth/v1/beacon/headers/%s", c.baseURL, blockID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return env, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return env, errors.Wrapf(err, "beacon: could not fetch header %s", blockID)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return env, errors.Errorf("beacon: header %s: unexpected status %d", blockID, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return env, errors.Wrapf(err, "beacon: could not decode header %s", blockID)
	}
	return env, nil
}

// GetHead returns the "head" block tag.
func (c *Client) GetHead(ctx context.Context) (chain.Cursor, error) {
	env, err := c.getHeader(ctx, "head")
	if err != nil {
		return chain.Cursor{}, err
	}
	return envelopeCursor(env), nil
}

// GetFinalized returns the "finalized" checkpoint.
func (c *Client) GetFinalized(ctx context.Context) (chain.Cursor, error) {
	env, err := c.getHeader(ctx, "finalized")
	if err != nil {
		return chain.Cursor{}, err
	}
	return envelopeCursor(env), nil
}

// GetBlockByNumber returns the normalized header for the slot numbered
// number.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, error) {
	env, err := c.getHeader(ctx, strconv.FormatUint(number, 10))
	if err != nil {
		return chain.BlockInfo{}, err
	}
	return envelopeInfo(env), nil
}

// GetBlockByHash returns the normalized header for the block root hash.
func (c *Client) GetBlockByHash(ctx context.Context, hash []byte) (chain.BlockInfo, error) {
	env, err := c.getHeader(ctx, string(hash))
	if err != nil {
		return chain.BlockInfo{}, err
	}
	return envelopeInfo(env), nil
}

type blockEnvelope struct {
	Data struct {
		Message struct {
			Body struct {
				Attestations    []json.RawMessage `json:"attestations"`
				ProposerSlashes []json.RawMessage `json:"proposer_slashings"`
			} `json:"body"`
		} `json:"message"`
	} `json:"data"`
}

// IngestBlockByNumber fetches the full block at the slot numbered number
// and splits it into a header plus a body whose fragments are the block's
// attestations.
func (c *Client) IngestBlockByNumber(ctx context.Context, number uint64) (chain.BlockInfo, chain.BlockBody, error) {
	header, err := c.GetBlockByNumber(ctx, number)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, err
	}

	url := fmt.Sprintf("%s/eth/v2/beacon/blocks/%d", c.baseURL, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "beacon: could not fetch block %d", number)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Errorf("beacon: block %d: unexpected status %d", number, resp.StatusCode)
	}
	var env blockEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return chain.BlockInfo{}, chain.BlockBody{}, errors.Wrapf(err, "beacon: could not decode block %d", number)
	}

	atts := env.Data.Message.Body.Attestations
	body := chain.BlockBody{
		Index: make([]chain.IndexEntry, len(atts)),
		Body:  make([][]byte, len(atts)),
	}
	for i, att := range atts {
		body.Index[i] = chain.IndexEntry{FragmentID: 0}
		body.Body[i] = att
	}
	return header, body, nil
}

func envelopeCursor(env headerEnvelope) chain.Cursor {
	return envelopeInfo(env).Cursor
}

func envelopeInfo(env headerEnvelope) chain.BlockInfo {
	slot, _ := strconv.ParseUint(env.Data.Header.Message.Slot, 10, 64)
	return chain.BlockInfo{
		Cursor:       chain.Cursor{Number: slot, Hash: []byte(env.Data.Root)},
		ParentCursor: chain.Cursor{Number: slot - 1, Hash: []byte(env.Data.Header.Message.ParentRoot)},
		Status:       chain.StatusAccepted,
	}
}
