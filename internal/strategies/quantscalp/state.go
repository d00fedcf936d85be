package quantscalp

import (
	"sort"
	"time"

	"github.com/betbot/quantsignal/internal/domain"
)

// LeadSignal 次级价格先行穿越 strike 后挂起的待确认信号
type LeadSignal struct {
	Side    domain.Side `json:"side"`
	ArmedAt time.Time   `json:"armed_at"`
}

// State 单个市场（slug）的策略状态
type State struct {
	DidScalp      bool             `json:"did_scalp"`
	DidHold       bool             `json:"did_hold"`
	ScalpClosed   bool             `json:"scalp_closed"`
	ScalpPosition *domain.Position `json:"scalp_position,omitempty"`
	HoldPosition  *domain.Position `json:"hold_position,omitempty"`
	PendingLead   *LeadSignal      `json:"pending_lead,omitempty"`

	// SettlesAt 首次观测时推算的结算时间，用于淘汰
	SettlesAt time.Time `json:"settles_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Exposure 当前持仓数（scalp + hold）
func (s *State) Exposure() int {
	n := 0
	if s.ScalpPosition != nil {
		n++
	}
	if s.HoldPosition != nil {
		n++
	}
	return n
}

// scalpAvailable 本市场还没有尝试过 scalp
func (s *State) scalpAvailable() bool {
	return !s.DidScalp && s.ScalpPosition == nil && !s.ScalpClosed
}

func (s *State) holdAvailable() bool {
	return !s.DidHold && s.HoldPosition == nil
}

func (s State) clone() State {
	out := s
	if s.ScalpPosition != nil {
		p := *s.ScalpPosition
		out.ScalpPosition = &p
	}
	if s.HoldPosition != nil {
		p := *s.HoldPosition
		out.HoldPosition = &p
	}
	if s.PendingLead != nil {
		l := *s.PendingLead
		out.PendingLead = &l
	}
	return out
}

// StateStore slug -> State，由引擎独占。
// 结算时间 + 宽限期之后淘汰；数量超过上限时按 LastSeen 最旧淘汰。
type StateStore struct {
	states    map[string]*State
	maxStates int
	grace     time.Duration
}

// NewStateStore 创建状态表
func NewStateStore(maxStates int, grace time.Duration) *StateStore {
	return &StateStore{
		states:    make(map[string]*State),
		maxStates: maxStates,
		grace:     grace,
	}
}

// Len 当前状态数
func (s *StateStore) Len() int { return len(s.states) }

// Get 返回状态副本
func (s *StateStore) Get(slug string) (State, bool) {
	st, ok := s.states[slug]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

func (s *StateStore) getOrCreate(slug string, now time.Time, tSec float64) *State {
	st, ok := s.states[slug]
	if !ok {
		st = &State{SettlesAt: now.Add(time.Duration(tSec * float64(time.Second)))}
		s.states[slug] = st
	}
	st.LastSeen = now
	return st
}

// Put 写入（恢复）一个状态
func (s *StateStore) Put(slug string, st State) {
	c := st.clone()
	s.states[slug] = &c
}

// Evict 淘汰过期状态与超出上限的状态，keep 永远保留。返回被淘汰的 slug。
func (s *StateStore) Evict(now time.Time, keep string) []string {
	var evicted []string
	for slug, st := range s.states {
		if slug == keep || st.SettlesAt.IsZero() {
			continue
		}
		if now.After(st.SettlesAt.Add(s.grace)) {
			delete(s.states, slug)
			evicted = append(evicted, slug)
		}
	}

	if s.maxStates > 0 && len(s.states) > s.maxStates {
		slugs := make([]string, 0, len(s.states))
		for slug := range s.states {
			if slug != keep {
				slugs = append(slugs, slug)
			}
		}
		sort.Slice(slugs, func(i, j int) bool {
			return s.states[slugs[i]].LastSeen.Before(s.states[slugs[j]].LastSeen)
		})
		for _, slug := range slugs {
			if len(s.states) <= s.maxStates {
				break
			}
			delete(s.states, slug)
			evicted = append(evicted, slug)
		}
	}
	sort.Strings(evicted)
	return evicted
}
