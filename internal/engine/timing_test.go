package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
)

func TestComputeTiming_Window(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 7, 30, 0, time.UTC)
	tm := computeTiming(now, 15*time.Minute, nil)
	assert.InDelta(t, 7.5, tm.ElapsedMin, 1e-9)
	assert.InDelta(t, 7.5, tm.WindowRemainingMin, 1e-9)
	assert.InDelta(t, 7.5, tm.TimeLeftMin, 1e-9)
	assert.Equal(t, 450.0, tm.TSec)
	assert.Nil(t, tm.SettlementLeftMin)
}

func TestComputeTiming_Settlement(t *testing.T) {
	now := time.Date(2023, 11, 14, 22, 7, 30, 0, time.UTC)
	m := &domain.Market{SettlementTime: now.Add(90*time.Second + 500*time.Millisecond)}
	tm := computeTiming(now, 15*time.Minute, m)
	require.NotNil(t, tm.SettlementLeftMin)
	assert.InDelta(t, 90.5/60, tm.TimeLeftMin, 1e-9)
	assert.Equal(t, 90.0, tm.TSec)
	assert.Equal(t, 90.0, tm.SecondsLeft)

	// 已结算：模型 tSec 至少 1 秒，策略秒数 <= 0
	m.SettlementTime = now.Add(-30 * time.Second)
	tm = computeTiming(now, 15*time.Minute, m)
	assert.Equal(t, 1.0, tm.TSec)
	assert.Equal(t, -30.0, tm.SecondsLeft)
}
