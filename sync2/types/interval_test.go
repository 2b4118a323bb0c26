package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func iv(min, max string) Interval {
	return Interval{Min: MustKeyFromHex(min), Max: MustKeyFromHex(max)}
}

const (
	k10 = "1000000000000000000000000000000000000000"
	k20 = "2000000000000000000000000000000000000000"
	k30 = "3000000000000000000000000000000000000000"
	k40 = "4000000000000000000000000000000000000000"
	k80 = "8000000000000000000000000000000000000000"
	kf0 = "f000000000000000000000000000000000000000"
)

func TestIntervalContains(t *testing.T) {
	r := iv(k10, k30)
	require.False(t, r.Wraps())
	require.True(t, r.Contains(MustKeyFromHex(k10)))
	require.True(t, r.Contains(MustKeyFromHex(k20)))
	require.True(t, r.Contains(MustKeyFromHex(k30)))
	require.False(t, r.Contains(MustKeyFromHex(k40)))
	require.False(t, r.Contains(ZeroKey))

	w := iv(kf0, k10)
	require.True(t, w.Wraps())
	require.True(t, w.Contains(ZeroKey))
	require.True(t, w.Contains(MaxKey))
	require.True(t, w.Contains(MustKeyFromHex(kf0)))
	require.True(t, w.Contains(MustKeyFromHex(k10)))
	require.False(t, w.Contains(MustKeyFromHex(k20)))

	require.True(t, FullRange().Contains(RandomKey()))
}

func TestIntervalOverlaps(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b Interval
		want bool
	}{
		{"disjoint", iv(k10, k20), iv(k30, k40), false},
		{"touching", iv(k10, k20), iv(k20, k40), true},
		{"nested", iv(k10, k40), iv(k20, k30), true},
		{"nested reversed", iv(k20, k30), iv(k10, k40), true},
		{"wrapping", iv(kf0, k10), iv(ZeroKey.String(), k20), true},
		{"wrapping disjoint", iv(kf0, k10), iv(k20, k80), false},
		{"both wrapping", iv(kf0, k10), iv(k80, k20), true},
		{"full", FullRange(), iv(k20, k30), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.a.Overlaps(tc.b))
			require.Equal(t, tc.want, tc.b.Overlaps(tc.a))
		})
	}
}

func TestIntervalIntersect(t *testing.T) {
	for _, tc := range []struct {
		name string
		a, b Interval
		want []Interval
	}{
		{
			name: "disjoint",
			a:    iv(k10, k20),
			b:    iv(k30, k40),
		},
		{
			name: "nested",
			a:    iv(k10, k40),
			b:    iv(k20, k30),
			want: []Interval{iv(k20, k30)},
		},
		{
			name: "partial",
			a:    iv(k10, k30),
			b:    iv(k20, k40),
			want: []Interval{iv(k20, k30)},
		},
		{
			name: "full and wrapping",
			a:    FullRange(),
			b:    iv(kf0, k10),
			want: []Interval{
				{Min: ZeroKey, Max: MustKeyFromHex(k10)},
				{Min: MustKeyFromHex(kf0), Max: MaxKey},
			},
		},
		{
			name: "wrapping and plain",
			a:    iv(kf0, k20),
			b:    iv(k10, k80),
			want: []Interval{iv(k10, k20)},
		},
		{
			name: "both wrapping",
			a:    iv(k80, k20),
			b:    iv(kf0, k30),
			want: []Interval{
				{Min: ZeroKey, Max: MustKeyFromHex(k20)},
				{Min: MustKeyFromHex(kf0), Max: MaxKey},
			},
		},
		{
			name: "full and full",
			a:    FullRange(),
			b:    FullRange(),
			want: []Interval{FullRange()},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.a.Intersect(tc.b))
		})
	}
}

func TestSlotRange(t *testing.T) {
	require.Equal(t, FullRange(), SlotRange(0, RandomKey()))
	prefix := ZeroKey.SetSlot(0, 1)
	r := SlotRange(1, prefix)
	require.Equal(t, "0400000000000000000000000000000000000000", r.Min.String())
	require.Equal(t, "07ffffffffffffffffffffffffffffffffffffff", r.Max.String())
	leaf := SlotRange(MaxDepth, MaxKey)
	require.Equal(t, "fffffffffffffffffffffffffffffffffffffff0", leaf.Min.String())
	require.Equal(t, MaxKey, leaf.Max)
}
