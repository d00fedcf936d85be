package services

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
)

const testAggregator = "0xc907E116054Ad103354f2D350FD2514433D57F6f"

type fakeCaller struct {
	calls  int
	result []byte
	err    error
	to     common.Address
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if msg.To != nil {
		f.to = *msg.To
	}
	return f.result, f.err
}

func packRound(t *testing.T, answer int64, updatedAt int64) []byte {
	t.Helper()
	out, err := aggregatorABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(7), big.NewInt(answer), big.NewInt(updatedAt-1), big.NewInt(updatedAt), big.NewInt(7),
	)
	require.NoError(t, err)
	return out
}

func TestChainlinkRPC_FetchScalesAnswer(t *testing.T) {
	good := &fakeCaller{result: packRound(t, 6_500_012_345_678, 1_700_000_000)}
	rpc := NewChainlinkRPC([]string{"https://rpc-a"}, testAggregator, 8)
	rpc.dial = func(context.Context, string) (contractCaller, error) { return good, nil }

	s, err := rpc.Fetch(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 65000.12345678, s.Price, 1e-6)
	assert.Equal(t, domain.SourceChainlinkRPC, s.Source)
	assert.Equal(t, time.Unix(1_700_000_000, 0), s.At)
	assert.Equal(t, common.HexToAddress(testAggregator), good.to)
}

func TestChainlinkRPC_RotatesOnFailure(t *testing.T) {
	bad := &fakeCaller{err: errors.New("rate limited")}
	good := &fakeCaller{result: packRound(t, 100_000_000, 1_700_000_000)}
	dials := map[string]int{}
	rpc := NewChainlinkRPC([]string{"a", "b"}, testAggregator, 8)
	rpc.dial = func(_ context.Context, url string) (contractCaller, error) {
		dials[url]++
		if url == "a" {
			return bad, nil
		}
		return good, nil
	}

	s, err := rpc.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Price)

	// 下次从成功的 b 开始，不再访问 a
	_, err = rpc.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 2, good.calls)
	assert.Equal(t, 1, dials["b"], "成功的客户端被复用")
}

func TestChainlinkRPC_AllFail(t *testing.T) {
	rpc := NewChainlinkRPC([]string{"a"}, testAggregator, 8)
	rpc.dial = func(context.Context, string) (contractCaller, error) { return nil, errors.New("dial refused") }
	_, err := rpc.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial refused")

	_, err = NewChainlinkRPC(nil, testAggregator, 8).Fetch(context.Background())
	assert.Error(t, err)
}

func TestChainlinkRPC_RejectsNonPositive(t *testing.T) {
	c := &fakeCaller{result: packRound(t, -5, 1_700_000_000)}
	rpc := NewChainlinkRPC([]string{"a"}, testAggregator, 8)
	rpc.dial = func(context.Context, string) (contractCaller, error) { return c, nil }
	_, err := rpc.Fetch(context.Background())
	assert.Error(t, err)
}

func TestDecodeAnswerUpdated(t *testing.T) {
	data, err := aggregatorABI.Events["AnswerUpdated"].Inputs.NonIndexed().Pack(big.NewInt(1_700_000_123))
	require.NoError(t, err)
	lg := types.Log{
		Topics: []common.Hash{
			aggregatorABI.Events["AnswerUpdated"].ID,
			common.BigToHash(big.NewInt(6_400_050_000_000)),
			common.BigToHash(big.NewInt(42)),
		},
		Data: data,
	}
	s, ok := decodeAnswerUpdated(lg, 8)
	require.True(t, ok)
	assert.InDelta(t, 64000.5, s.Price, 1e-9)
	assert.Equal(t, domain.SourceChainlinkWS, s.Source)
	assert.Equal(t, time.Unix(1_700_000_123, 0), s.At)

	lg.Removed = true
	_, ok = decodeAnswerUpdated(lg, 8)
	assert.False(t, ok)
	_, ok = decodeAnswerUpdated(types.Log{}, 8)
	assert.False(t, ok)
}

func TestChainlinkLogStream_ResolveAggregator(t *testing.T) {
	underlying := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	packed, err := aggregatorABI.Methods["aggregator"].Outputs.Pack(underlying)
	require.NoError(t, err)

	s := NewChainlinkLogStream([]string{"wss://x"}, testAggregator, 8)
	assert.Equal(t, underlying, s.resolveAggregator(context.Background(), &fakeCaller{result: packed}))
	// 调用失败时退回代理地址
	assert.Equal(t, common.HexToAddress(testAggregator), s.resolveAggregator(context.Background(), &fakeCaller{err: errors.New("x")}))
}
