package rates

import (
	"fmt"
)

// Capacity is the number of collateral slots a ConfigStore holds.
const Capacity = 8

// ConfigStore is the immutable packed parameter set. It is built once and
// only read afterwards, so concurrent readers need no locking.
type ConfigStore struct {
	slots [Capacity]Slot
	count int
}

// NewConfigStore validates list and packs every slot. Slots past len(list)
// stay zero.
func NewConfigStore(list []CollateralRateConfig) (*ConfigStore, error) {
	if err := ValidateConfigs(list); err != nil {
		return nil, err
	}
	s := &ConfigStore{count: len(list)}
	for i := range s.slots {
		s.slots[i] = Pack(list, i)
	}
	return s, nil
}

// NewConfigStoreFromPacked rebuilds a store from persisted words. The
// first count slots are unpacked, re-validated and re-packed; any word that
// does not survive the round trip unchanged is rejected.
func NewConfigStoreFromPacked(slots []Slot, count int) (*ConfigStore, error) {
	if count < 0 || count > Capacity || count > len(slots) {
		return nil, fmt.Errorf("%d packed slots for count %d: %w", len(slots), count, ErrCollateralCountMismatch)
	}
	list := make([]CollateralRateConfig, count)
	for i := 0; i < count; i++ {
		list[i] = slots[i].Unpack()
	}
	s, err := NewConfigStore(list)
	if err != nil {
		return nil, err
	}
	for i := range slots {
		if i >= Capacity {
			return nil, fmt.Errorf("slot %d: %w", i, ErrTooManyCollaterals)
		}
		if s.slots[i] != slots[i] {
			return nil, fmt.Errorf("slot %d: %w", i, ErrCorruptSlot)
		}
	}
	return s, nil
}

// CollateralCount is the number of configured collaterals.
func (s *ConfigStore) CollateralCount() int {
	return s.count
}

func (s *ConfigStore) slot(ilkIndex uint8) (*Slot, error) {
	if int(ilkIndex) >= s.count {
		return nil, fmt.Errorf("index %d, count %d: %w", ilkIndex, s.count, ErrCollateralIndexOutOfBounds)
	}
	return &s.slots[ilkIndex], nil
}

// Unpack returns the config stored at ilkIndex.
func (s *ConfigStore) Unpack(ilkIndex uint8) (CollateralRateConfig, error) {
	sl, err := s.slot(ilkIndex)
	if err != nil {
		return CollateralRateConfig{}, err
	}
	return sl.Unpack(), nil
}

// PackedSlot returns a copy of the two words stored at ilkIndex.
func (s *ConfigStore) PackedSlot(ilkIndex uint8) (Slot, error) {
	sl, err := s.slot(ilkIndex)
	if err != nil {
		return Slot{}, err
	}
	return *sl, nil
}

// Slots returns copies of the configured slots in index order.
func (s *ConfigStore) Slots() []Slot {
	out := make([]Slot, s.count)
	copy(out, s.slots[:s.count])
	return out
}

// Configs unpacks every configured slot in index order.
func (s *ConfigStore) Configs() []CollateralRateConfig {
	out := make([]CollateralRateConfig, s.count)
	for i := range out {
		out[i] = s.slots[i].Unpack()
	}
	return out
}
