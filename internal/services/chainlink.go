package services

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
)

var chainlinkLog = logrus.WithField("component", "chainlink")

// AggregatorABI EACAggregatorProxy 用到的部分
const AggregatorABI = `[
{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"aggregator","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":true,"name":"current","type":"int256"},{"indexed":true,"name":"roundId","type":"uint256"},{"indexed":false,"name":"updatedAt","type":"uint256"}],"name":"AnswerUpdated","type":"event"}
]`

var aggregatorABI = mustParseABI(AggregatorABI)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// contractCaller *ethclient.Client 的只读子集
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type dialFunc func(ctx context.Context, url string) (contractCaller, error)

func dialEth(ctx context.Context, url string) (contractCaller, error) {
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return cl, nil
}

// ChainlinkRPC 按 RPC 列表轮换调用 latestRoundData
type ChainlinkRPC struct {
	urls     []string
	proxy    common.Address
	decimals int
	dial     dialFunc

	mu      sync.Mutex
	next    int
	clients map[string]contractCaller
}

func NewChainlinkRPC(urls []string, aggregator string, decimals int) *ChainlinkRPC {
	if decimals <= 0 {
		decimals = 8
	}
	return &ChainlinkRPC{
		urls:     urls,
		proxy:    common.HexToAddress(aggregator),
		decimals: decimals,
		dial:     dialEth,
		clients:  make(map[string]contractCaller),
	}
}

func (c *ChainlinkRPC) client(ctx context.Context, url string) (contractCaller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[url]; ok {
		return cl, nil
	}
	cl, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c.clients[url] = cl
	return cl, nil
}

// Fetch 从当前 RPC 开始依次尝试，成功的那个下次优先
func (c *ChainlinkRPC) Fetch(ctx context.Context) (domain.PriceSample, error) {
	if len(c.urls) == 0 {
		return domain.PriceSample{}, errors.New("未配置 POLYGON_RPC_URLS")
	}
	c.mu.Lock()
	start := c.next
	c.mu.Unlock()

	var lastErr error
	for i := 0; i < len(c.urls); i++ {
		idx := (start + i) % len(c.urls)
		url := c.urls[idx]
		sample, err := c.fetchFrom(ctx, url)
		if err == nil {
			c.mu.Lock()
			c.next = idx
			c.mu.Unlock()
			return sample, nil
		}
		lastErr = err
		chainlinkLog.Debugf("RPC 失败，切换下一个: %s err=%v", url, err)
		c.mu.Lock()
		delete(c.clients, url)
		c.mu.Unlock()
		if ctx.Err() != nil {
			break
		}
	}
	return domain.PriceSample{}, errors.Wrap(lastErr, "chainlink latestRoundData")
}

func (c *ChainlinkRPC) fetchFrom(ctx context.Context, url string) (domain.PriceSample, error) {
	cl, err := c.client(ctx, url)
	if err != nil {
		return domain.PriceSample{}, errors.Wrapf(err, "连接 RPC %s", url)
	}
	data, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return domain.PriceSample{}, err
	}
	result, err := cl.CallContract(ctx, ethereum.CallMsg{To: &c.proxy, Data: data}, nil)
	if err != nil {
		return domain.PriceSample{}, errors.Wrap(err, "调用 latestRoundData 失败")
	}
	out, err := aggregatorABI.Unpack("latestRoundData", result)
	if err != nil || len(out) < 4 {
		return domain.PriceSample{}, errors.Wrap(err, "解析 latestRoundData 结果失败")
	}
	answer, _ := out[1].(*big.Int)
	updatedAt, _ := out[3].(*big.Int)
	sample := domain.PriceSample{
		Price:  scaleAnswer(answer, c.decimals),
		Source: domain.SourceChainlinkRPC,
	}
	if updatedAt != nil && updatedAt.Sign() > 0 {
		sample.At = time.Unix(updatedAt.Int64(), 0)
	}
	if !sample.Valid() {
		return domain.PriceSample{}, errors.Errorf("chainlink 价格无效: %v", answer)
	}
	return sample, nil
}

// scaleAnswer answer / 10^decimals
func scaleAnswer(answer *big.Int, decimals int) float64 {
	if answer == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(answer).Float64()
	return f / math.Pow10(decimals)
}

// logSubscriber *ethclient.Client 的订阅子集
type logSubscriber interface {
	contractCaller
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// ChainlinkLogStream 通过 WSS 订阅底层聚合器的 AnswerUpdated 事件（来源 chainlink_ws）
type ChainlinkLogStream struct {
	urls     []string
	proxy    common.Address
	decimals int
	latest   latestPrice
	dial     func(ctx context.Context, url string) (logSubscriber, error)
}

func NewChainlinkLogStream(wssURLs []string, aggregator string, decimals int) *ChainlinkLogStream {
	if decimals <= 0 {
		decimals = 8
	}
	return &ChainlinkLogStream{
		urls:     wssURLs,
		proxy:    common.HexToAddress(aggregator),
		decimals: decimals,
		dial: func(ctx context.Context, url string) (logSubscriber, error) {
			cl, err := ethclient.DialContext(ctx, url)
			if err != nil {
				return nil, err
			}
			return cl, nil
		},
	}
}

// Latest 最新一次 AnswerUpdated
func (s *ChainlinkLogStream) Latest() (domain.PriceSample, bool) { return s.latest.get() }

// Start 后台订阅；未配置 WSS 时直接返回
func (s *ChainlinkLogStream) Start(ctx context.Context) {
	if len(s.urls) == 0 {
		chainlinkLog.Info("未配置 POLYGON_WSS_URLS，跳过链上事件订阅")
		return
	}
	go s.run(ctx)
}

func (s *ChainlinkLogStream) run(ctx context.Context) {
	delay := wsReconnectMin
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}
		url := s.urls[i%len(s.urls)]
		err := s.subscribeOnce(ctx, url)
		if ctx.Err() != nil {
			return
		}
		chainlinkLog.Warnf("AnswerUpdated 订阅中断: %v（%s 后重连）", err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsReconnectMax {
			delay = wsReconnectMax
		}
	}
}

func (s *ChainlinkLogStream) subscribeOnce(ctx context.Context, url string) error {
	cl, err := s.dial(ctx, url)
	if err != nil {
		return errors.Wrapf(err, "连接 WSS %s", url)
	}
	defer cl.Close()

	target := s.resolveAggregator(ctx, cl)
	logs := make(chan types.Log, 16)
	sub, err := cl.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{target},
		Topics:    [][]common.Hash{{aggregatorABI.Events["AnswerUpdated"].ID}},
	}, logs)
	if err != nil {
		return errors.Wrap(err, "SubscribeFilterLogs")
	}
	defer sub.Unsubscribe()
	chainlinkLog.Infof("✅ 已订阅 AnswerUpdated aggregator=%s", target.Hex())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			if sample, ok := decodeAnswerUpdated(lg, s.decimals); ok {
				s.latest.set(sample)
			}
		}
	}
}

// resolveAggregator 代理合约不发事件，取其底层 aggregator；失败则用代理地址
func (s *ChainlinkLogStream) resolveAggregator(ctx context.Context, cl contractCaller) common.Address {
	data, err := aggregatorABI.Pack("aggregator")
	if err != nil {
		return s.proxy
	}
	result, err := cl.CallContract(ctx, ethereum.CallMsg{To: &s.proxy, Data: data}, nil)
	if err != nil {
		return s.proxy
	}
	var addr common.Address
	if err := aggregatorABI.UnpackIntoInterface(&addr, "aggregator", result); err != nil || addr == (common.Address{}) {
		return s.proxy
	}
	return addr
}

// decodeAnswerUpdated topics[1]=current(int256)，data=updatedAt
func decodeAnswerUpdated(lg types.Log, decimals int) (domain.PriceSample, bool) {
	if lg.Removed || len(lg.Topics) < 2 {
		return domain.PriceSample{}, false
	}
	answer := gethmath.S256(new(big.Int).SetBytes(lg.Topics[1].Bytes()))
	sample := domain.PriceSample{Price: scaleAnswer(answer, decimals), Source: domain.SourceChainlinkWS}
	if out, err := aggregatorABI.Unpack("AnswerUpdated", lg.Data); err == nil && len(out) == 1 {
		if ts, ok := out[0].(*big.Int); ok && ts.Sign() > 0 {
			sample.At = time.Unix(ts.Int64(), 0)
		}
	}
	return sample, sample.Valid()
}
