package event

import (
	"fmt"
	"time"

	"RateEngine/internal/math"
)

// UtilizationSnapshot carries the debt and supply totals the ledger reports
// for one collateral. Each snapshot is priced into a rate quote.
type UtilizationSnapshot struct {
	IlkIndex       uint8     `json:"ilk_index"`
	TotalIlkDebt   math.Rad  `json:"total_ilk_debt"`
	TotalEthSupply math.Wad  `json:"total_eth_supply"`
	Sequence       int64     `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
}

func (u *UtilizationSnapshot) IdempotencyKey() string {
	return fmt.Sprintf("util:%d:%d", u.IlkIndex, u.Sequence)
}

func (u *UtilizationSnapshot) EventType() EventType {
	return EventTypeUtilizationSnapshot
}

func (u *UtilizationSnapshot) Ilk() uint8 {
	return u.IlkIndex
}

func (u *UtilizationSnapshot) Partition() string {
	return fmt.Sprintf("util:%d", u.IlkIndex)
}

func (u *UtilizationSnapshot) SourceSequence() int64 {
	return u.Sequence
}

func (u *UtilizationSnapshot) OccurredAt() time.Time {
	return u.Timestamp
}
