package datasets

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/geodesiac/povmap/records"
)

// NumFolds is the number of cross-validation folds in the survey
// exports. Fold assignments are precomputed in the labels file so
// repeated runs evaluate out-of-fold without re-randomizing.
const NumFolds = 5

// Split partitions dataset indices into train/validation/test.
// Members are ordered ascending and may be empty.
type Split struct {
	Train []int
	Val   []int
	Test  []int
}

// RandomSplit partitions n indices into a validation subset of size
// floor(n·valFrac) and a training subset of the rest, drawn from a
// uniform permutation. No stratification is attempted. valFrac must
// lie in (0, 1).
func RandomSplit(n int, valFrac float64, rng *rand.Rand) (Split, error) {
	if n < 0 {
		return Split{}, fmt.Errorf("negative dataset size %d", n)
	}
	if valFrac <= 0 || valFrac >= 1 {
		return Split{}, fmt.Errorf("val fraction %v outside (0, 1)", valFrac)
	}

	valSize := int(float64(n) * valFrac)
	perm := rng.Perm(n)
	val := append([]int(nil), perm[:valSize]...)
	train := append([]int(nil), perm[valSize:]...)
	sort.Ints(val)
	sort.Ints(train)
	return Split{Train: train, Val: val}, nil
}

// FoldSplit assigns every record whose fold equals k to validation
// and test, and all others to training. Deterministic for a given
// table, k ∈ 1..NumFolds.
func FoldSplit(table *records.Table, k int) (Split, error) {
	if k < 1 || k > NumFolds {
		return Split{}, fmt.Errorf("fold %d outside 1..%d", k, NumFolds)
	}

	var s Split
	for i, rec := range table.Records {
		if rec.Fold == k {
			s.Val = append(s.Val, i)
		} else {
			s.Train = append(s.Train, i)
		}
	}
	s.Test = append([]int(nil), s.Val...)
	return s, nil
}
