package services

import (
	"context"

	"github.com/pkg/errors"

	"github.com/betbot/quantsignal/internal/domain"
)

// LatestSource 流式价格源
type LatestSource interface {
	Latest() (domain.PriceSample, bool)
}

// Fetcher 按需拉取的价格源
type Fetcher interface {
	Fetch(ctx context.Context) (domain.PriceSample, error)
}

// ReferenceFeed 结算参考价：按顺序取第一个有值的流，全为空时由 Fetch 兜底。
// 默认顺序 polymarket_ws -> chainlink_ws -> chainlink_rpc。
type ReferenceFeed struct {
	streams  []LatestSource
	fallback Fetcher
}

func NewReferenceFeed(fallback Fetcher, streams ...LatestSource) *ReferenceFeed {
	return &ReferenceFeed{streams: streams, fallback: fallback}
}

func (f *ReferenceFeed) Latest() (domain.PriceSample, bool) {
	for _, s := range f.streams {
		if s == nil {
			continue
		}
		if sample, ok := s.Latest(); ok && sample.Valid() {
			return sample, true
		}
	}
	return domain.PriceSample{}, false
}

func (f *ReferenceFeed) Fetch(ctx context.Context) (domain.PriceSample, error) {
	if f.fallback == nil {
		return domain.PriceSample{}, errors.New("参考价无可用来源")
	}
	return f.fallback.Fetch(ctx)
}
