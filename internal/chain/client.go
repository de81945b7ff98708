package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/settld/settld/internal/retry"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Config for the chain client.
type Config struct {
	RPCURL         string
	TokenContract  common.Address
	VaultAddress   common.Address // escrow vault receiving funded amounts
	LookbackBlocks uint64         // how far behind head each query scans
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{LookbackBlocks: 5000}
}

// Client reads token transfers from an Ethereum-compatible chain.
//
// A transfer "references" an escrow operation when its log data or an
// indexed topic carries the keccak hash of the reference key. Results are
// cached per reference so repeated polls don't refetch settled history.
type Client struct {
	eth    *ethclient.Client
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	found map[string][]Confirmation
}

// Dial connects to the RPC endpoint.
func Dial(cfg Config, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = DefaultConfig().LookbackBlocks
	}
	return &Client{
		eth:    eth,
		config: cfg,
		logger: logger,
		found:  make(map[string][]Confirmation),
	}, nil
}

// ReferenceTopic derives the indexed topic value for a reference key.
func ReferenceTopic(reference string) common.Hash {
	return crypto.Keccak256Hash([]byte(reference))
}

// ConfirmationsForReference scans recent Transfer events to the vault for
// logs tagged with the reference key.
func (c *Client) ConfirmationsForReference(ctx context.Context, reference string) ([]Confirmation, error) {
	c.mu.Lock()
	if cached, ok := c.found[reference]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	// RPC hiccups are common; retry with backoff before surfacing.
	var head uint64
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var blockErr error
		head, blockErr = c.eth.BlockNumber(ctx)
		return blockErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}

	from := uint64(0)
	if head > c.config.LookbackBlocks {
		from = head - c.config.LookbackBlocks
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{c.config.TokenContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(c.config.VaultAddress.Bytes())},
		},
	}

	var logs []types.Log
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var filterErr error
		logs, filterErr = c.eth.FilterLogs(ctx, query)
		return filterErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	refTopic := ReferenceTopic(reference)
	var confirmations []Confirmation
	for _, vLog := range logs {
		if len(vLog.Topics) < 3 {
			continue
		}
		// The reference rides in the fourth topic when present, or in the
		// trailing 32 bytes of data for plain transfers.
		if !logCarriesReference(vLog.Topics, vLog.Data, refTopic) {
			continue
		}
		confirmations = append(confirmations, Confirmation{
			Signature:   vLog.TxHash.Hex(),
			From:        common.HexToAddress(vLog.Topics[1].Hex()).Hex(),
			Amount:      formatTokenAmount(new(big.Int).SetBytes(transferAmount(vLog.Data))),
			BlockNumber: vLog.BlockNumber,
			ObservedAt:  time.Now(),
		})
	}

	if len(confirmations) > 0 {
		c.mu.Lock()
		c.found[reference] = confirmations
		c.mu.Unlock()
		c.logger.Info("confirmation observed",
			"reference", reference, "signatures", len(confirmations))
	}
	return confirmations, nil
}

func logCarriesReference(topics []common.Hash, data []byte, ref common.Hash) bool {
	for _, topic := range topics[3:] {
		if topic == ref {
			return true
		}
	}
	if len(data) >= 64 {
		var tail common.Hash
		copy(tail[:], data[len(data)-32:])
		return tail == ref
	}
	return false
}

// transferAmount extracts the amount word from Transfer event data.
func transferAmount(data []byte) []byte {
	if len(data) >= 32 {
		return data[:32]
	}
	return data
}
