package inventory

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"kasirsync/terminal/internal/domain"
)

// Policy decides which variants a sold quantity is taken from. It returns
// the new variant breakdown and the stock implied by it; the snapshot
// passed in is never modified.
type Policy interface {
	Name() string
	Deduct(p domain.ProductSnapshot, item domain.LineItem) ([]domain.Variant, int)
}

const (
	PolicyFirstVariant    = "first"
	PolicyProportional    = "proportional"
	PolicyMatchingVariant = "matching"
)

func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyFirstVariant:
		return FirstVariant{}, nil
	case PolicyProportional:
		return Proportional{}, nil
	case PolicyMatchingVariant:
		return MatchingVariant{Fallback: FirstVariant{}}, nil
	default:
		return nil, fmt.Errorf("unknown variant policy %q", name)
	}
}

// FirstVariant takes the whole quantity from the first listed variant,
// floored at zero.
type FirstVariant struct{}

func (FirstVariant) Name() string { return PolicyFirstVariant }

func (FirstVariant) Deduct(p domain.ProductSnapshot, item domain.LineItem) ([]domain.Variant, int) {
	if len(p.Variants) == 0 {
		return nil, max(p.Stock-item.Quantity, 0)
	}
	variants := slices.Clone(p.Variants)
	variants[0].Quantity = max(variants[0].Quantity-item.Quantity, 0)
	return variants, domain.RecomputeStock(variants, 0)
}

// Proportional spreads the quantity across variants in proportion to what
// each holds, using largest remainders for the leftover units.
type Proportional struct{}

func (Proportional) Name() string { return PolicyProportional }

func (Proportional) Deduct(p domain.ProductSnapshot, item domain.LineItem) ([]domain.Variant, int) {
	if len(p.Variants) == 0 {
		return nil, max(p.Stock-item.Quantity, 0)
	}
	variants := slices.Clone(p.Variants)
	total := domain.RecomputeStock(variants, 0)
	if total <= item.Quantity {
		for i := range variants {
			variants[i].Quantity = 0
		}
		return variants, 0
	}

	type remainder struct {
		index int
		frac  int
	}
	taken := 0
	rems := make([]remainder, 0, len(variants))
	for i, v := range variants {
		if v.Quantity <= 0 {
			continue
		}
		share := item.Quantity * v.Quantity / total
		taken += share
		variants[i].Quantity -= share
		rems = append(rems, remainder{index: i, frac: item.Quantity * v.Quantity % total})
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })

	left := item.Quantity - taken
	for left > 0 {
		progressed := false
		for _, r := range rems {
			if left == 0 {
				break
			}
			if variants[r.index].Quantity > 0 {
				variants[r.index].Quantity--
				left--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return variants, domain.RecomputeStock(variants, 0)
}

// MatchingVariant deducts from the variant whose color and size match the
// line item. Items without a selector, or with no match, use Fallback.
type MatchingVariant struct {
	Fallback Policy
}

func (MatchingVariant) Name() string { return PolicyMatchingVariant }

func (m MatchingVariant) Deduct(p domain.ProductSnapshot, item domain.LineItem) ([]domain.Variant, int) {
	fallback := m.Fallback
	if fallback == nil {
		fallback = FirstVariant{}
	}
	if len(p.Variants) == 0 || (item.Color == "" && item.Size == "") {
		return fallback.Deduct(p, item)
	}

	for i, v := range p.Variants {
		if matches(v.Color, item.Color) && matches(v.Size, item.Size) {
			variants := slices.Clone(p.Variants)
			variants[i].Quantity = max(variants[i].Quantity-item.Quantity, 0)
			return variants, domain.RecomputeStock(variants, 0)
		}
	}
	return fallback.Deduct(p, item)
}

func matches(have string, want string) bool {
	return want == "" || strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(want))
}
