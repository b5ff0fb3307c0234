package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	erc721EnumerableABIJSON = `[
{"inputs":[{"internalType":"address","name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"owner","type":"address"},{"internalType":"uint256","name":"index","type":"uint256"}],"name":"tokenOfOwnerByIndex","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`
)

var (
	erc721ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc721EnumerableABIJSON))
	if err != nil {
		panic("failed to parse ERC-721 ABI: " + err.Error())
	}
	erc721ABI = parsed
}

// LedgerOptions parameterise the on-chain holdings fetcher.
type LedgerOptions struct {
	RPCURL            string
	CollectionAddress string
	Timeout           time.Duration
	// MaxTokens caps how many holdings are enumerated per wallet.
	MaxTokens int
}

// DialFunc opens a contract caller for an RPC endpoint.
type DialFunc func(ctx context.Context, rawURL string) (ethereum.ContractCaller, error)

func dialEthclient(ctx context.Context, rawURL string) (ethereum.ContractCaller, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Ledger enumerates a wallet's moments through an ERC-721 Enumerable collection.
type Ledger struct {
	opts      LedgerOptions
	logger    zerolog.Logger
	dial      DialFunc
	client    ethereum.ContractCaller
	clientMux sync.Mutex
}

// NewLedger builds a holdings fetcher. A nil dial uses ethclient.
func NewLedger(opts LedgerOptions, dial DialFunc, logger zerolog.Logger) *Ledger {
	if dial == nil {
		dial = dialEthclient
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 500
	}
	return &Ledger{opts: opts, dial: dial, logger: logger.With().Str("component", "ledger_fetcher").Logger()}
}

// ListMoments returns the token ids owned by wallet. A wallet holding
// nothing yields an empty slice and no error.
func (l *Ledger) ListMoments(ctx context.Context, wallet string) ([]string, error) {
	if l.opts.RPCURL == "" {
		return nil, fmt.Errorf("ledger rpc url: %w", ErrNotConfigured)
	}
	if l.opts.CollectionAddress == "" {
		return nil, fmt.Errorf("collection address: %w", ErrNotConfigured)
	}
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("invalid wallet address %q", wallet)
	}

	timeout := l.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := l.getClient(ctx)
	if err != nil {
		return nil, err
	}

	owner := common.HexToAddress(wallet)
	balance, err := l.callUint(ctx, client, "balanceOf", owner)
	if err != nil {
		return nil, err
	}

	n := int(balance.Int64())
	if !balance.IsInt64() || n > l.opts.MaxTokens {
		l.logger.Warn().Str("wallet", wallet).Str("balance", balance.String()).Int("max_tokens", l.opts.MaxTokens).Msg("holdings truncated")
		n = l.opts.MaxTokens
	}

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := l.callUint(ctx, client, "tokenOfOwnerByIndex", owner, big.NewInt(int64(i)))
		if err != nil {
			return nil, fmt.Errorf("token %d of %s: %w", i, wallet, err)
		}
		ids = append(ids, id.String())
	}
	return ids, nil
}

func (l *Ledger) callUint(ctx context.Context, client ethereum.ContractCaller, method string, args ...any) (*big.Int, error) {
	payload, err := erc721ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(l.opts.CollectionAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := erc721ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode " + method + " output")
	}
	return v, nil
}

func (l *Ledger) getClient(ctx context.Context) (ethereum.ContractCaller, error) {
	l.clientMux.Lock()
	defer l.clientMux.Unlock()

	if l.client != nil {
		return l.client, nil
	}

	client, err := l.dial(ctx, l.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	l.client = client
	return client, nil
}

var _ HoldingsFetcher = (*Ledger)(nil)
