package types

import (
	"slices"

	"go.uber.org/zap/zapcore"
)

// Interval is an inclusive range on the circular keyspace.
// Min > Max denotes a range wrapping around through zero.
type Interval struct {
	Min, Max Key
}

var _ zapcore.ObjectMarshaler = Interval{}

// FullRange returns the interval covering the whole keyspace.
func FullRange() Interval {
	return Interval{Min: ZeroKey, Max: MaxKey}
}

// SlotRange returns the interval covered by the subtree at the specified depth and
// prefix.
func SlotRange(depth int, prefix Key) Interval {
	return Interval{
		Min: prefix.ClearSuffix(depth),
		Max: prefix.SuffixMax(depth),
	}
}

// Wraps returns true if the interval wraps around through zero.
func (iv Interval) Wraps() bool {
	return iv.Min.Compare(iv.Max) > 0
}

// Contains returns true if the key falls within the interval.
func (iv Interval) Contains(k Key) bool {
	if iv.Wraps() {
		return k.Compare(iv.Min) >= 0 || k.Compare(iv.Max) <= 0
	}
	return k.Compare(iv.Min) >= 0 && k.Compare(iv.Max) <= 0
}

// Overlaps returns true if two intervals have at least one key in common, that is,
// either of them contains an endpoint of the other.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Contains(other.Min) || iv.Contains(other.Max) ||
		other.Contains(iv.Min) || other.Contains(iv.Max)
}

// Pieces splits the interval into non-wrapping intervals in ascending order.
func (iv Interval) Pieces() []Interval {
	if !iv.Wraps() {
		return []Interval{iv}
	}
	return []Interval{
		{Min: ZeroKey, Max: iv.Max},
		{Min: iv.Min, Max: MaxKey},
	}
}

// Intersect returns the intersection of two intervals as a list of non-wrapping
// intervals in ascending order.
func (iv Interval) Intersect(other Interval) []Interval {
	var r []Interval
	for _, a := range iv.Pieces() {
		for _, b := range other.Pieces() {
			lo, hi := a.Min, a.Max
			if b.Min.Compare(lo) > 0 {
				lo = b.Min
			}
			if b.Max.Compare(hi) < 0 {
				hi = b.Max
			}
			if lo.Compare(hi) <= 0 {
				r = append(r, Interval{Min: lo, Max: hi})
			}
		}
	}
	slices.SortFunc(r, func(a, b Interval) int {
		return a.Min.Compare(b.Min)
	})
	// merge overlapping and adjacent pieces
	merged := r[:0]
	for _, p := range r {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			next, overflow := last.Max.Inc()
			if overflow || p.Min.Compare(next) <= 0 {
				if p.Max.Compare(last.Max) > 0 {
					last.Max = p.Max
				}
				continue
			}
		}
		merged = append(merged, p)
	}
	return merged
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (iv Interval) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("min", iv.Min.ShortString())
	enc.AddString("max", iv.Max.ShortString())
	return nil
}
