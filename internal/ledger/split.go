package ledger

import (
	"cmp"
	"math"
	"slices"

	"github.com/ctrlai/tally/internal/history"
)

// Share is one participant's weight in a payment split. A zero weight
// means "use the participant's own weight".
type Share struct {
	ParticipantID int64   `json:"participant_id"`
	Weight        float64 `json:"weight"`
}

// Split divides amount across shares in proportion to their weights using
// the largest remainder method: every share gets the floor of its exact
// portion in cents, and the leftover cents go to the largest fractional
// parts, ties broken by participant id. The result always sums to amount.
func Split(amount history.Money, shares []Share) ([]history.ContributionSnapshot, error) {
	if len(shares) == 0 {
		return nil, invalid("a payment needs at least one share")
	}
	if amount <= 0 {
		return nil, invalid("amount must be positive")
	}

	var total float64
	seen := make(map[int64]bool, len(shares))
	for _, s := range shares {
		if s.Weight <= 0 || math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) {
			return nil, invalid("share weight for participant %d must be positive", s.ParticipantID)
		}
		if seen[s.ParticipantID] {
			return nil, invalid("participant %d appears twice in the split", s.ParticipantID)
		}
		seen[s.ParticipantID] = true
		total += s.Weight
	}

	type portion struct {
		idx   int
		cents int64
		frac  float64
	}
	portions := make([]portion, len(shares))
	var assigned int64
	for i, s := range shares {
		exact := float64(amount) * s.Weight / total
		floor := math.Floor(exact)
		portions[i] = portion{idx: i, cents: int64(floor), frac: exact - floor}
		assigned += int64(floor)
	}

	order := make([]int, len(portions))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		if c := cmp.Compare(portions[b].frac, portions[a].frac); c != 0 {
			return c
		}
		return cmp.Compare(shares[a].ParticipantID, shares[b].ParticipantID)
	})
	left := int64(amount) - assigned
	for k := 0; left > 0; left, k = left-1, k+1 {
		portions[order[k%len(order)]].cents++
	}
	// Rounding in the float portions can floor above the amount. Take the
	// excess back from the smallest fractional parts, never below zero.
	for k := 0; left < 0; k++ {
		p := &portions[order[len(order)-1-k%len(order)]]
		if p.cents > 0 {
			p.cents--
			left++
		}
	}

	out := make([]history.ContributionSnapshot, len(shares))
	for i, s := range shares {
		out[i] = history.ContributionSnapshot{
			ParticipantID: s.ParticipantID,
			Weight:        s.Weight,
			Amount:        history.Money(portions[i].cents),
		}
	}
	return out, nil
}
