package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Client defines the subset of the Ethereum RPC used by the scanner.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Dial initialises an EVM RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Transfer is a confirmed incoming token transfer.
type Transfer struct {
	TxHash      common.Hash
	From        common.Address
	To          common.Address
	Amount      *big.Int
	BlockNumber uint64
}

// Scanner lists confirmed ERC-20 transfers into receiving addresses. Only
// transfers that have reached the configured confirmation depth against the
// current head are returned.
type Scanner struct {
	client        Client
	token         common.Address
	confirmations uint64
	lookback      uint64
}

// NewScanner constructs a scanner for the given token contract.
func NewScanner(client Client, token common.Address, confirmations, lookback uint64) *Scanner {
	if lookback == 0 {
		lookback = 5_000
	}
	return &Scanner{client: client, token: token, confirmations: confirmations, lookback: lookback}
}

// IncomingTransfers returns confirmed transfers to the supplied address
// within the scanner's lookback window, oldest first.
func (s *Scanner) IncomingTransfers(ctx context.Context, to common.Address) ([]Transfer, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("chain: scanner not initialised")
	}
	if (to == common.Address{}) {
		return nil, fmt.Errorf("chain: receiving address required")
	}
	header, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: fetch head: %w", err)
	}
	if header == nil || header.Number == nil {
		return nil, fmt.Errorf("chain: head metadata unavailable")
	}
	head := header.Number.Uint64()
	var from uint64
	if head > s.lookback {
		from = head - s.lookback
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{s.token},
		Topics: [][]common.Hash{
			{transferEventSignature},
			nil,
			{addressTopic(to)},
		},
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs: %w", err)
	}
	transfers := make([]Transfer, 0, len(logs))
	for _, log := range logs {
		if log.Removed || len(log.Topics) < 3 {
			continue
		}
		if s.confirmations > 0 {
			if log.BlockNumber > head {
				continue
			}
			confirmed := head - log.BlockNumber + 1
			if confirmed < s.confirmations {
				continue
			}
		}
		transfers = append(transfers, Transfer{
			TxHash:      log.TxHash,
			From:        common.BytesToAddress(log.Topics[1].Bytes()),
			To:          common.BytesToAddress(log.Topics[2].Bytes()),
			Amount:      new(big.Int).SetBytes(log.Data),
			BlockNumber: log.BlockNumber,
		})
	}
	return transfers, nil
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}
