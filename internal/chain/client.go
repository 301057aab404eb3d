package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc721ABI is the subset of IERC721 the service reads.
const erc721ABI = `[{"type":"function","name":"ownerOf","inputs":[{"name":"tokenId","type":"uint256","internalType":"uint256"}],"outputs":[{"name":"","type":"address","internalType":"address"}],"stateMutability":"view"}]`

// Backend is what Client needs from a node connection. *ethclient.Client and the simulated
// backend's client both satisfy it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client reads chain identity and token ownership.
type Client struct {
	backend Backend
	chainID *big.Int
	erc721  abi.ABI
	closeFn func()
}

// Dial connects to rpcURL and discovers the chain id.
func Dial(ctx context.Context, rpcURL string) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	c, err := New(ctx, eth)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closeFn = eth.Close
	return c, nil
}

// New wraps an existing backend.
func New(ctx context.Context, backend Backend) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc721 abi: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth_chainId: %w", err)
	}
	return &Client{backend: backend, chainID: chainID, erc721: parsed}, nil
}

// ChainID returns the chain id reported by the node at connect time.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// OwnerOf returns the current owner of tokenID on the ERC-721 contract at token.
func (c *Client) OwnerOf(ctx context.Context, token common.Address, tokenID *big.Int) (common.Address, error) {
	contract := bind.NewBoundContract(token, c.erc721, c.backend, c.backend, c.backend)
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", tokenID); err != nil {
		return common.Address{}, fmt.Errorf("ownerOf(%s) on %s: %w", tokenID, token.Hex(), err)
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("ownerOf returned %d values", len(out))
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}
