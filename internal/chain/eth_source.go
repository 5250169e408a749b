package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"fundrails/internal/amount"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ethBackend is the subset of ethclient.Client used by EthSource.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

type EthSourceConfig struct {
	RPCURL            string
	TokenContract     string
	TokenDecimals     int
	Confirmations     uint64
	BlockSpan         uint64
	RequestsPerSecond float64
	MaxRetries        int
	RetryBackoff      time.Duration
}

// EthSource reads ERC-20 Transfer logs of a single token through JSON-RPC.
// The head lags the latest block by Confirmations; pages cover at most
// BlockSpan blocks.
type EthSource struct {
	backend       ethBackend
	closer        func()
	token         common.Address
	decimals      int
	confirmations uint64
	span          uint64
	limiter       *rate.Limiter
	maxRetries    int
	backoff       time.Duration
}

func NewEthSource(ctx context.Context, cfg EthSourceConfig) (*EthSource, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	src, err := newEthSource(cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	src.closer = cli.Close
	return src, nil
}

func newEthSource(backend ethBackend, cfg EthSourceConfig) (*EthSource, error) {
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("invalid token contract address %q", cfg.TokenContract)
	}
	if cfg.TokenDecimals < 0 {
		return nil, fmt.Errorf("invalid token decimals %d", cfg.TokenDecimals)
	}
	span := cfg.BlockSpan
	if span == 0 {
		span = 2000
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &EthSource{
		backend:       backend,
		token:         common.HexToAddress(cfg.TokenContract),
		decimals:      cfg.TokenDecimals,
		confirmations: cfg.Confirmations,
		span:          span,
		limiter:       rate.NewLimiter(limit, 1),
		maxRetries:    cfg.MaxRetries,
		backoff:       backoff,
	}, nil
}

func (s *EthSource) Close() {
	if s.closer != nil {
		s.closer()
	}
}

func (s *EthSource) Ping(ctx context.Context) error {
	return s.call(ctx, func(ctx context.Context) error {
		_, err := s.backend.BlockNumber(ctx)
		return err
	})
}

func (s *EthSource) GetChainHead(ctx context.Context) (Head, error) {
	var latest uint64
	if err := s.call(ctx, func(ctx context.Context) (err error) {
		latest, err = s.backend.BlockNumber(ctx)
		return err
	}); err != nil {
		return Head{}, fmt.Errorf("block number: %w", err)
	}

	height := uint64(0)
	if latest > s.confirmations {
		height = latest - s.confirmations
	}
	header, err := s.header(ctx, height)
	if err != nil {
		return Head{}, err
	}
	return Head{Height: height, Time: time.Unix(int64(header.Time), 0).UTC()}, nil
}

// GetTransferEvents pages through [FromHeight, ToHeight] one block span at a
// time. The page token is "<fromBlock>:<skip>", where skip counts logs of
// that span already returned.
func (s *EthSource) GetTransferEvents(ctx context.Context, collectionAddress string, q Query) (Page, error) {
	if !common.IsHexAddress(collectionAddress) {
		return Page{}, fmt.Errorf("invalid collection address %q", collectionAddress)
	}
	from, skip, err := parseSpanToken(q.PageToken, q.FromHeight)
	if err != nil {
		return Page{}, err
	}
	if from > q.ToHeight {
		return Page{}, nil
	}
	to := from + s.span - 1
	if to > q.ToHeight || to < from {
		to = q.ToHeight
	}

	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil,
			{addressTopic(collectionAddress)},
		},
	}
	var logs []types.Log
	if err := s.call(ctx, func(ctx context.Context) (err error) {
		logs, err = s.backend.FilterLogs(ctx, filter)
		return err
	}); err != nil {
		return Page{}, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}

	var (
		page   Page
		times  = make(map[uint64]time.Time)
		seen   int
		filled bool
	)
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) < 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if seen < skip {
			seen++
			continue
		}
		if q.PageSize > 0 && len(page.Events) == q.PageSize {
			filled = true
			break
		}
		seen++

		ev, err := s.decodeTransfer(lg)
		if err != nil {
			return Page{}, err
		}
		at, ok := times[lg.BlockNumber]
		if !ok {
			h, err := s.header(ctx, lg.BlockNumber)
			if err != nil {
				return Page{}, err
			}
			at = time.Unix(int64(h.Time), 0).UTC()
			times[lg.BlockNumber] = at
		}
		if at.Before(q.MinTime) || at.After(q.MaxTime) {
			continue
		}
		ev.Time = at
		page.Events = append(page.Events, ev)
	}

	if filled {
		page.NextPageToken = formatSpanToken(from, seen)
		return page, nil
	}

	// The whole span has been returned, so callers may resume after it.
	at, ok := times[to]
	if !ok {
		h, err := s.header(ctx, to)
		if err != nil {
			return Page{}, err
		}
		at = time.Unix(int64(h.Time), 0).UTC()
	}
	page.Checkpoint = &Checkpoint{Height: to, Time: at}
	if to < q.ToHeight {
		page.NextPageToken = formatSpanToken(to+1, 0)
	}
	return page, nil
}

// addressTopic left-pads an address into the 32-byte form indexed log topics use.
func addressTopic(addr string) common.Hash {
	return common.BytesToHash(common.HexToAddress(addr).Bytes())
}

func (s *EthSource) decodeTransfer(lg types.Log) (TransferEvent, error) {
	if len(lg.Data) < 32 {
		return TransferEvent{}, fmt.Errorf("transfer log %s:%d has short data", lg.TxHash.Hex(), lg.Index)
	}
	raw := new(big.Int).SetBytes(lg.Data[:32])
	value, err := amount.FromBaseUnits(raw, s.decimals)
	if err != nil {
		return TransferEvent{}, fmt.Errorf("transfer log %s:%d: %w", lg.TxHash.Hex(), lg.Index, err)
	}
	return TransferEvent{
		TxRef:  fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index),
		From:   common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		To:     common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
		Value:  value,
		Height: lg.BlockNumber,
	}, nil
}

func (s *EthSource) header(ctx context.Context, height uint64) (*types.Header, error) {
	var h *types.Header
	if err := s.call(ctx, func(ctx context.Context) (err error) {
		h, err = s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		return err
	}); err != nil {
		return nil, fmt.Errorf("header %d: %w", height, err)
	}
	if h == nil {
		return nil, fmt.Errorf("header %d: not found", height)
	}
	return h, nil
}

// call rate-limits op and retries it with exponential backoff.
func (s *EthSource) call(ctx context.Context, op func(context.Context) error) error {
	attempts := s.maxRetries + 1
	backoff := s.backoff
	var err error
	for i := 1; i <= attempts; i++ {
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || i == attempts {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

func parseSpanToken(token string, start uint64) (uint64, int, error) {
	if token == "" {
		return start, 0, nil
	}
	blockPart, skipPart, ok := strings.Cut(token, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid page token %q", token)
	}
	block, err := strconv.ParseUint(blockPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid page token %q", token)
	}
	skip, err := strconv.Atoi(skipPart)
	if err != nil || skip < 0 {
		return 0, 0, fmt.Errorf("invalid page token %q", token)
	}
	return block, skip, nil
}

func formatSpanToken(block uint64, skip int) string {
	return strconv.FormatUint(block, 10) + ":" + strconv.Itoa(skip)
}
