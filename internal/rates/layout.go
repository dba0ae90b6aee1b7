package rates

import "github.com/holiman/uint256"

// Slot is one collateral record packed into two 256-bit words.
//
//	WordA  [0:96) adjustedProfitMargin  [96:192) minimumKinkRate
//	       [192:216) adjustedAboveKinkSlope  [216:240) minimumAboveKinkSlope
//	       [240:256) adjustedReserveFactor
//	WordB  [0:16) minimumReserveFactor  [16:112) adjustedBaseRate
//	       [112:208) minimumBaseRate  [208:224) optimalUtilizationRate
//	       [224:240) distributionFactor  [240:256) zero
type Slot struct {
	WordA uint256.Int
	WordB uint256.Int
}

// IsEmpty reports whether both words are zero.
func (s *Slot) IsEmpty() bool {
	return s.WordA.IsZero() && s.WordB.IsZero()
}

func (s *Slot) word(w int) *uint256.Int {
	if w == wordA {
		return &s.WordA
	}
	return &s.WordB
}

const (
	wordA = iota
	wordB
)

type field struct {
	name   string
	word   int
	offset uint
	bits   uint
	mask   uint256.Int
	get    func(*CollateralRateConfig) *uint256.Int
}

func newField(name string, word int, offset, bits uint, get func(*CollateralRateConfig) *uint256.Int) field {
	one := uint256.NewInt(1)
	f := field{name: name, word: word, offset: offset, bits: bits, get: get}
	f.mask.Lsh(one, bits)
	f.mask.Sub(&f.mask, one)
	return f
}

var layout = [...]field{
	newField("adjustedProfitMargin", wordA, 0, 96, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.AdjustedProfitMargin)
	}),
	newField("minimumKinkRate", wordA, 96, 96, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.MinimumKinkRate)
	}),
	newField("adjustedAboveKinkSlope", wordA, 192, 24, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.AdjustedAboveKinkSlope)
	}),
	newField("minimumAboveKinkSlope", wordA, 216, 24, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.MinimumAboveKinkSlope)
	}),
	newField("adjustedReserveFactor", wordA, 240, 16, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.AdjustedReserveFactor)
	}),
	newField("minimumReserveFactor", wordB, 0, 16, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.MinimumReserveFactor)
	}),
	newField("adjustedBaseRate", wordB, 16, 96, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.AdjustedBaseRate)
	}),
	newField("minimumBaseRate", wordB, 112, 96, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.MinimumBaseRate)
	}),
	newField("optimalUtilizationRate", wordB, 208, 16, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.OptimalUtilizationRate)
	}),
	newField("distributionFactor", wordB, 224, 16, func(c *CollateralRateConfig) *uint256.Int {
		return (*uint256.Int)(&c.DistributionFactor)
	}),
}

// Pack shifts the fields of list[slot] into their bit offsets. A slot past
// the end of the list packs to two zero words. Field widths are not
// checked here; run Validate first.
func Pack(list []CollateralRateConfig, slot int) Slot {
	var s Slot
	if slot < 0 || slot >= len(list) {
		return s
	}
	c := list[slot]
	var v uint256.Int
	for i := range layout {
		f := &layout[i]
		v.Lsh(f.get(&c), f.offset)
		w := s.word(f.word)
		w.Or(w, &v)
	}
	return s
}

// Unpack masks each field back out of the two words.
func (s *Slot) Unpack() CollateralRateConfig {
	var c CollateralRateConfig
	for i := range layout {
		f := &layout[i]
		v := f.get(&c)
		v.Rsh(s.word(f.word), f.offset)
		v.And(v, &f.mask)
	}
	return c
}
