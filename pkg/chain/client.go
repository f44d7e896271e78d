package chain

import (
	"context"
	"crypto/ecdsa"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/ethernity-cloud/etny-agent/pkg/config"
	"github.com/ethernity-cloud/etny-agent/pkg/log"
	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
	"github.com/ethernity-cloud/etny-agent/pkg/retry"
)

//go:embed abi/marketplace.json
var marketplaceABIJSON string

//go:embed abi/image_registry.json
var imageRegistryABIJSON string

//go:embed abi/heartbeat.json
var heartbeatABIJSON string

const (
	// sendAttempts bounds transaction submission retries; the nonce
	// is re-read before every attempt.
	sendAttempts = 20
	sendDelay    = 5 * time.Second

	// receiptPollInterval paces Wait's receipt polling.
	receiptPollInterval = 2 * time.Second
)

// Client is the agent's connection to one network: an RPC client, the
// operator key, and the three contract interfaces (marketplace, image
// registry, heartbeat).
type Client struct {
	cfg config.NetworkConfig
	eth *ethclient.Client

	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	marketplaceABI abi.ABI
	registryABI    abi.ABI
	heartbeatABI   abi.ABI

	marketplaceAddr common.Address
	registryAddr    common.Address
	heartbeatAddr   common.Address

	logger zerolog.Logger
}

// Dial connects to the network's RPC endpoint and derives the operator
// address from the private key.
func Dial(cfg config.NetworkConfig, privateKeyHex string) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}

	marketplaceABI, err := abi.JSON(strings.NewReader(marketplaceABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace abi: %w", err)
	}
	registryABI, err := abi.JSON(strings.NewReader(imageRegistryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse image registry abi: %w", err)
	}
	heartbeatABI, err := abi.JSON(strings.NewReader(heartbeatABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse heartbeat abi: %w", err)
	}

	return &Client{
		cfg:             cfg,
		eth:             eth,
		key:             key,
		address:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:         big.NewInt(cfg.ChainID),
		marketplaceABI:  marketplaceABI,
		registryABI:     registryABI,
		heartbeatABI:    heartbeatABI,
		marketplaceAddr: common.HexToAddress(cfg.ContractAddress),
		registryAddr:    common.HexToAddress(cfg.ImageRegistryAddress),
		heartbeatAddr:   common.HexToAddress(cfg.HeartbeatAddress),
		logger:          log.WithNetwork(cfg.Name).With().Str("component", "chain").Logger(),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Address returns the operator wallet address.
func (c *Client) Address() common.Address {
	return c.address
}

// NetworkName returns the network this client serves.
func (c *Client) NetworkName() string {
	return c.cfg.Name
}

// pace sleeps the configured per-call delay. Every RPC goes through it
// so the agent stays inside provider rate limits.
func (c *Client) pace() {
	if c.cfg.RPCDelayMS > 0 {
		time.Sleep(time.Duration(c.cfg.RPCDelayMS) * time.Millisecond)
	}
}

// Balance returns the operator wallet balance.
func (c *Client) Balance(ctx context.Context) (*big.Int, error) {
	c.pace()
	balance, err := c.eth.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// BlockNumber returns the current block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.pace()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read block number: %w", err)
	}
	return n, nil
}

// call executes a read-only contract call and unpacks the outputs.
func (c *Client) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	c.pace()
	output, err := c.eth.CallContract(ctx, ethereum.CallMsg{
		From: c.address,
		To:   &to,
		Data: input,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, classify(err))
	}

	out, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

// unitWei maps the configured gas price measure onto wei multipliers.
func unitWei(measure string) (*big.Int, error) {
	units := map[string]int64{
		"wei":    1,
		"kwei":   1e3,
		"mwei":   1e6,
		"gwei":   1e9,
		"szabo":  1e12,
		"finney": 1e15,
	}
	if mul, ok := units[strings.ToLower(measure)]; ok {
		return big.NewInt(mul), nil
	}
	if strings.ToLower(measure) == "ether" {
		return new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil), nil
	}
	return nil, fmt.Errorf("unknown gas price measure %q", measure)
}

func toWei(value float64, measure string) (*big.Int, error) {
	mul, err := unitWei(measure)
	if err != nil {
		return nil, err
	}
	scaled := new(big.Float).Mul(big.NewFloat(value), new(big.Float).SetInt(mul))
	out, _ := scaled.Int(nil)
	return out, nil
}

// raiseBaseFee lifts the base fee 10%, floored, so the transaction
// survives moderate base fee growth while it sits in the pool.
func raiseBaseFee(base *big.Int) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(base, big.NewInt(11)), big.NewInt(10))
}

// feeCaps computes the EIP-1559 fee pair from the latest block: max
// fee is the base fee raised 10% plus the priority tip. A result above
// the configured ceiling yields ErrFeeTooHigh.
func (c *Client) feeCaps(ctx context.Context) (maxFee, tip *big.Int, err error) {
	c.pace()
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read latest block: %w", err)
	}
	if head.BaseFee == nil {
		return nil, nil, fmt.Errorf("network %s has no base fee, not an EIP-1559 chain", c.cfg.Name)
	}

	tip, err = toWei(c.cfg.MaxPriorityFee, c.cfg.GasPriceMeasure)
	if err != nil {
		return nil, nil, err
	}

	maxFee = new(big.Int).Add(raiseBaseFee(head.BaseFee), tip)

	ceiling, err := toWei(c.cfg.MaxFeePerGas, c.cfg.GasPriceMeasure)
	if err != nil {
		return nil, nil, err
	}
	if ceiling.Sign() > 0 && maxFee.Cmp(ceiling) > 0 {
		c.logger.Warn().
			Str("max_fee", maxFee.String()).
			Str("ceiling", ceiling.String()).
			Msg("base fee spike above ceiling")
		return nil, nil, ErrFeeTooHigh
	}
	return maxFee, tip, nil
}

// buildTx assembles a signed transaction for the current nonce using
// the network's fee model.
func (c *Client) buildTx(ctx context.Context, to common.Address, input []byte) (*types.Transaction, error) {
	c.pace()
	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	var tx *types.Transaction
	if c.cfg.EIP1559 {
		maxFee, tip, err := c.feeCaps(ctx)
		if err != nil {
			return nil, err
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: maxFee,
			Gas:       c.cfg.GasLimit,
			To:        &to,
			Data:      input,
		})
	} else {
		gasPrice, err := toWei(c.cfg.GasPriceValue, c.cfg.GasPriceMeasure)
		if err != nil {
			return nil, err
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      c.cfg.GasLimit,
			To:       &to,
			Data:     input,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// send submits a state-changing contract call, retrying transient
// failures with a fresh nonce each attempt. Reverts short-circuit.
func (c *Client) send(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (common.Hash, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var hash common.Hash
	err = retry.Do(retry.Options{
		Attempts: sendAttempts,
		Policy:   retry.FixedDelay(sendDelay),
		OnRetry: func(attempt int, err error) {
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", sendAttempts).
				Str("method", method).
				Msg("transaction submission failed, retrying")
		},
	}, func(attempt int) error {
		tx, err := c.buildTx(ctx, to, input)
		if err != nil {
			if IsRevert(err) || errors.Is(err, ErrFeeTooHigh) {
				return retry.Permanent(err)
			}
			return err
		}

		c.pace()
		if err := c.eth.SendTransaction(ctx, tx); err != nil {
			err = classify(err)
			if IsRevert(err) {
				return retry.Permanent(err)
			}
			return err
		}
		hash = tx.Hash()
		return nil
	})
	if err != nil {
		metrics.TransactionsSent.WithLabelValues(c.cfg.Name, "failed").Inc()
		return common.Hash{}, fmt.Errorf("failed to send %s: %w", method, err)
	}
	metrics.TransactionsSent.WithLabelValues(c.cfg.Name, "sent").Inc()
	return hash, nil
}

// Wait blocks until the transaction is mined and returns its receipt.
// A receipt with status 0 is surfaced as a RevertError.
func (c *Client) Wait(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	for {
		c.pace()
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &RevertError{}
			}
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to read receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// execute sends a transaction and waits for its confirmed receipt.
func (c *Client) execute(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) (*types.Receipt, error) {
	hash, err := c.send(ctx, to, contractABI, method, args...)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("tx", hash.Hex()).Str("method", method).Msg("transaction pending")

	receipt, err := c.Wait(ctx, hash)
	if err != nil {
		return receipt, fmt.Errorf("failed while waiting for %s: %w", method, err)
	}
	c.logger.Info().Str("tx", hash.Hex()).Str("method", method).Msg("transaction confirmed")
	return receipt, nil
}

// eventValue decodes the first matching event from a receipt and
// returns its single non-indexed uint256 field.
func (c *Client) eventValue(contractABI abi.ABI, receipt *types.Receipt, event, field string) (uint64, error) {
	ev, ok := contractABI.Events[event]
	if !ok {
		return 0, fmt.Errorf("unknown event %s", event)
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		values := make(map[string]interface{})
		if err := contractABI.UnpackIntoMap(values, event, lg.Data); err != nil {
			return 0, fmt.Errorf("failed to decode %s: %w", event, err)
		}
		num, ok := values[field].(*big.Int)
		if !ok {
			return 0, fmt.Errorf("event %s has no uint field %s", event, field)
		}
		return num.Uint64(), nil
	}
	return 0, fmt.Errorf("no %s event in receipt", event)
}
