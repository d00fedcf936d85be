package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
)

type stubLatest struct {
	s  domain.PriceSample
	ok bool
}

func (s stubLatest) Latest() (domain.PriceSample, bool) { return s.s, s.ok }

type stubFetch struct {
	s     domain.PriceSample
	err   error
	calls int
}

func (f *stubFetch) Fetch(context.Context) (domain.PriceSample, error) {
	f.calls++
	return f.s, f.err
}

func TestReferenceFeed_Priority(t *testing.T) {
	poly := stubLatest{s: domain.PriceSample{Price: 100, Source: domain.SourcePolymarketWS}, ok: true}
	chain := stubLatest{s: domain.PriceSample{Price: 101, Source: domain.SourceChainlinkWS}, ok: true}
	rpc := &stubFetch{s: domain.PriceSample{Price: 102, Source: domain.SourceChainlinkRPC}}

	f := NewReferenceFeed(rpc, poly, chain)
	got, ok := f.Latest()
	require.True(t, ok)
	assert.Equal(t, domain.SourcePolymarketWS, got.Source)

	f = NewReferenceFeed(rpc, stubLatest{}, chain)
	got, _ = f.Latest()
	assert.Equal(t, domain.SourceChainlinkWS, got.Source)

	f = NewReferenceFeed(rpc, stubLatest{}, nil)
	_, ok = f.Latest()
	require.False(t, ok)
	got, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceChainlinkRPC, got.Source)
	assert.Equal(t, 1, rpc.calls)

	_, err = NewReferenceFeed(nil).Fetch(context.Background())
	assert.Error(t, err)
}
