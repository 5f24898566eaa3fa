package core

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Unbounded is reported as MaxXP of the top tier.
const Unbounded int64 = math.MaxInt64

// LevelTier is a named band of the XP range.
type LevelTier struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	MinXP int64  `json:"min_xp"`
	MaxXP int64  `json:"max_xp"`
	Icon  string `json:"icon"`
}

// LevelInfo describes progress within the current tier.
type LevelInfo struct {
	Current         LevelTier  `json:"current"`
	Next            *LevelTier `json:"next"`
	ProgressPercent float64    `json:"progress_percent"`
	XPToNext        int64      `json:"xp_to_next"`
}

// LevelTable is an immutable, gap-free partition of [0, ∞) into tiers.
type LevelTable struct {
	tiers []LevelTier
}

// DefaultTiers is the platform's tier ladder.
func DefaultTiers() []LevelTier {
	return []LevelTier{
		{ID: 1, Name: "ovo", MinXP: 0, MaxXP: 99, Icon: "🥚"},
		{ID: 2, Name: "pintinho", MinXP: 100, MaxXP: 499, Icon: "🐣"},
		{ID: 3, Name: "aprendiz", MinXP: 500, MaxXP: 1499, Icon: "📘"},
		{ID: 4, Name: "explorador", MinXP: 1500, MaxXP: 2999, Icon: "🧭"},
		{ID: 5, Name: "guerreiro", MinXP: 3000, MaxXP: 5999, Icon: "⚔️"},
		{ID: 6, Name: "mestre", MinXP: 6000, MaxXP: 9999, Icon: "🎓"},
		{ID: 7, Name: "sábio", MinXP: 10000, MaxXP: 14999, Icon: "🦉"},
		{ID: 8, Name: "lenda", MinXP: 15000, MaxXP: Unbounded, Icon: "👑"},
	}
}

// NewLevelTable validates tiers: the first starts at 0, each next one starts right
// after the previous MaxXP. The last tier is open-ended whatever its MaxXP says.
func NewLevelTable(tiers []LevelTier) (*LevelTable, error) {
	if len(tiers) == 0 {
		return nil, errors.New("level table needs at least one tier")
	}
	cp := append([]LevelTier(nil), tiers...)
	if cp[0].MinXP != 0 {
		return nil, fmt.Errorf("first tier %q must start at 0, got %d", cp[0].Name, cp[0].MinXP)
	}
	last := len(cp) - 1
	for i := range cp {
		if i < last && cp[i].MaxXP < cp[i].MinXP {
			return nil, fmt.Errorf("tier %q: max %d below min %d", cp[i].Name, cp[i].MaxXP, cp[i].MinXP)
		}
		if i > 0 && cp[i].MinXP != cp[i-1].MaxXP+1 {
			return nil, fmt.Errorf("tier %q: min %d does not follow %q max %d", cp[i].Name, cp[i].MinXP, cp[i-1].Name, cp[i-1].MaxXP)
		}
	}
	cp[last].MaxXP = Unbounded
	return &LevelTable{tiers: cp}, nil
}

// DefaultLevelTable returns the table built from DefaultTiers.
func DefaultLevelTable() *LevelTable {
	t, err := NewLevelTable(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return t
}

// Tiers returns a copy of the ordered tiers.
func (t *LevelTable) Tiers() []LevelTier { return append([]LevelTier(nil), t.tiers...) }

// LevelForXP returns the unique tier containing xp.
func (t *LevelTable) LevelForXP(xp int64) (LevelTier, error) {
	i, err := t.index(xp)
	if err != nil {
		return LevelTier{}, err
	}
	return t.tiers[i], nil
}

func (t *LevelTable) index(xp int64) (int, error) {
	if xp < 0 {
		return 0, Validation("LevelForXP", "xp must be non-negative, got %d", xp)
	}
	lo, hi := 0, len(t.tiers)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if t.tiers[mid].MinXP <= xp {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// LevelInfo reports the current and next tier and progress between them.
func (t *LevelTable) LevelInfo(xp int64) (LevelInfo, error) {
	i, err := t.index(xp)
	if err != nil {
		return LevelInfo{}, err
	}
	cur := t.tiers[i]
	info := LevelInfo{Current: cur}
	if i == len(t.tiers)-1 {
		info.ProgressPercent = 100
		return info, nil
	}
	next := t.tiers[i+1]
	info.Next = &next
	info.XPToNext = next.MinXP - xp
	span := cur.MaxXP - cur.MinXP
	if span <= 0 {
		info.ProgressPercent = 100
		return info, nil
	}
	pct := 100 * float64(xp-cur.MinXP) / float64(span)
	info.ProgressPercent = math.Max(0, math.Min(100, pct))
	return info, nil
}

// EstimateDaysToNextLevel is a heuristic assuming a constant dailyXP rate.
// It returns false at the top tier or when the rate is not positive.
func (t *LevelTable) EstimateDaysToNextLevel(xp, dailyXP int64) (int, bool) {
	if dailyXP <= 0 {
		return 0, false
	}
	info, err := t.LevelInfo(xp)
	if err != nil || info.Next == nil {
		return 0, false
	}
	return int((info.XPToNext + dailyXP - 1) / dailyXP), true
}

// FormatXP abbreviates xp for display: 950, 1.2k, 15k, 2.5M.
// Fractions are truncated so 999999 reads 999.9k rather than 1000.0k.
func FormatXP(xp int64) string {
	neg := xp < 0
	if neg {
		xp = -xp
	}
	var s string
	switch {
	case xp < 1_000:
		s = strconv.FormatInt(xp, 10)
	case xp < 1_000_000:
		s = abbreviate(xp, 1_000) + "k"
	default:
		s = abbreviate(xp, 1_000_000) + "M"
	}
	if neg {
		return "-" + s
	}
	return s
}

func abbreviate(v, unit int64) string {
	whole := v / unit
	tenth := (v % unit) * 10 / unit
	if tenth == 0 {
		return strconv.FormatInt(whole, 10)
	}
	return strconv.FormatInt(whole, 10) + "." + strconv.FormatInt(tenth, 10)
}
