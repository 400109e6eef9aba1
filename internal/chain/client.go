// Package chain backs the engine's external interfaces with an EVM node:
// the asset registry is the collection's ERC-721 contract and payments are
// native-currency transfers signed by the custodian key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uniqx/market-engine/internal/market"
)

// erc721ABI covers the three registry calls the engine needs.
const erc721ABI = `[
	{"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"name":"isApprovedForAll","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"name":"transferFrom","type":"function","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// Client implements market.AssetRegistry and market.PaymentSender over an
// EVM JSON-RPC endpoint. Transactions are signed with the custodian key;
// in production that key belongs in an HSM, not in config.
type Client struct {
	eth     *ethclient.Client
	abi     abi.ABI
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	log     *zap.Logger
}

var (
	_ market.AssetRegistry = (*Client)(nil)
	_ market.PaymentSender = (*Client)(nil)
)

// Dial connects to the node and prepares the custodian signer.
func Dial(ctx context.Context, rpcURL, custodianKeyHex string, log *zap.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(custodianKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse custodian key: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc721 abi: %w", err)
	}
	return &Client{
		eth:     eth,
		abi:     parsed,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		log:     log,
	}, nil
}

// Address returns the custodian identity derived from the signing key.
func (c *Client) Address() common.Address { return c.from }

// OwnerOf reads the current owner of the asset from its collection contract.
func (c *Client) OwnerOf(ctx context.Context, collection common.Address, assetID *big.Int) (common.Address, error) {
	data, err := c.abi.Pack("ownerOf", assetID)
	if err != nil {
		return common.Address{}, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &collection, Data: data}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("ownerOf %s/%s: %w", collection, assetID, err)
	}
	results, err := c.abi.Unpack("ownerOf", out)
	if err != nil {
		return common.Address{}, err
	}
	return results[0].(common.Address), nil
}

// IsApprovedForAll reads the operator approval flag.
func (c *Client) IsApprovedForAll(ctx context.Context, collection, owner, operator common.Address) (bool, error) {
	data, err := c.abi.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &collection, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("isApprovedForAll %s: %w", collection, err)
	}
	results, err := c.abi.Unpack("isApprovedForAll", out)
	if err != nil {
		return false, err
	}
	return results[0].(bool), nil
}

// TransferFrom submits the custody transfer and waits for it to mine; a
// reverted receipt is surfaced as an error so the engine observes the
// failure synchronously.
func (c *Client) TransferFrom(ctx context.Context, collection common.Address, from, to common.Address, assetID *big.Int) error {
	data, err := c.abi.Pack("transferFrom", from, to, assetID)
	if err != nil {
		return err
	}
	tx, err := c.submit(ctx, collection, big.NewInt(0), data)
	if err != nil {
		return fmt.Errorf("transferFrom %s/%s: %w", collection, assetID, err)
	}
	return c.await(ctx, tx)
}

// Pay sends native currency to the recipient and waits for inclusion.
func (c *Client) Pay(ctx context.Context, to common.Address, amount *big.Int) error {
	tx, err := c.submit(ctx, to, amount, nil)
	if err != nil {
		return fmt.Errorf("pay %s: %w", to, err)
	}
	return c.await(ctx, tx)
}

func (c *Client) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, err
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		return nil, err
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, err
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (c *Client) await(ctx context.Context, tx *types.Transaction) error {
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", tx.Hash(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", tx.Hash())
	}
	c.log.Debug("transaction mined",
		zap.String("tx", tx.Hash().Hex()),
		zap.Uint64("gas_used", receipt.GasUsed))
	return nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }
