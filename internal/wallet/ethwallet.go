// Package wallet adapts an EVM JSON-RPC endpoint and a local signing key to
// the swap orchestrator's Wallet interface. It is deliberately thin: ERC-20
// reads, an approve helper, raw submission and receipt polling.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/h10086733/xlayer-402/internal/dex"
)

// ERC-20 function selectors.
var (
	selBalanceOf = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	selAllowance = crypto.Keccak256([]byte("allowance(address,address)"))[:4]
	selApprove   = crypto.Keccak256([]byte("approve(address,uint256)"))[:4]
)

const receiptPollInterval = 2 * time.Second

// approveGasLimit covers a standard ERC-20 approve with headroom.
const approveGasLimit = 60000

// EthWallet implements dex.Wallet over an ethclient connection.
type EthWallet struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// New dials the RPC endpoint and derives the signing address from the
// private key hex (without 0x prefix).
func New(ctx context.Context, rpcURL, privateKeyHex string) (*EthWallet, error) {
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	return &EthWallet{
		client:  client,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

var _ dex.Wallet = (*EthWallet)(nil)

// Close releases the RPC connection.
func (w *EthWallet) Close() {
	w.client.Close()
}

func (w *EthWallet) Address() common.Address {
	return w.address
}

func (w *EthWallet) BalanceOf(ctx context.Context, token common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selBalanceOf...), common.LeftPadBytes(w.address.Bytes(), 32)...)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (w *EthWallet) Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	data := append(append([]byte{}, selAllowance...), common.LeftPadBytes(w.address.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("allowance call failed: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (w *EthWallet) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data := append(append([]byte{}, selApprove...), common.LeftPadBytes(spender.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	return w.submit(ctx, dex.TxPayload{
		To:       token,
		Data:     data,
		Value:    big.NewInt(0),
		GasLimit: approveGasLimit,
	})
}

func (w *EthWallet) SendTransaction(ctx context.Context, payload dex.TxPayload) (common.Hash, error) {
	return w.submit(ctx, payload)
}

func (w *EthWallet) submit(ctx context.Context, payload dex.TxPayload) (common.Hash, error) {
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	gasLimit := payload.GasLimit
	if gasLimit == 0 {
		gasLimit, err = w.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  w.address,
			To:    &payload.To,
			Value: payload.Value,
			Data:  payload.Data,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("gas estimation failed: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &payload.To,
		Value:    payload.Value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     payload.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to broadcast transaction: %w", err)
	}
	return signed.Hash(), nil
}

// WaitForReceipt polls until the transaction is mined or ctx expires.
func (w *EthWallet) WaitForReceipt(ctx context.Context, hash common.Hash) (*dex.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &dex.Receipt{
				TxHash:      hash,
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt lookup failed: %w", err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
