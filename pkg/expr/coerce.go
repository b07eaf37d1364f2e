package expr

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/compute"
)

// numericRank orders numeric types for promotion; non-numeric types rank -1.
func numericRank(t arrow.Type) int {
	switch t {
	case arrow.INT8:
		return 1
	case arrow.INT16:
		return 2
	case arrow.INT32:
		return 3
	case arrow.INT64:
		return 4
	case arrow.FLOAT32:
		return 5
	case arrow.FLOAT64:
		return 6
	default:
		return -1
	}
}

// commonType returns the type both operands are promoted to: the wider of two
// numeric types, or nil when no promotion applies.
func commonType(a, b arrow.DataType) arrow.DataType {
	if arrow.TypeEqual(a, b) {
		return nil
	}
	ra, rb := numericRank(a.ID()), numericRank(b.ID())
	if ra < 0 || rb < 0 {
		return nil
	}
	if ra < rb {
		a = b
	}
	// Mixed integer/float arithmetic is done in float64.
	if a.ID() == arrow.FLOAT32 {
		return arrow.PrimitiveTypes.Float64
	}
	return a
}

// cast returns arr converted to target, or arr itself (retained) when no
// conversion is needed. The caller releases the result.
func (ev *evaluator) cast(arr arrow.Array, target arrow.DataType) (arrow.Array, error) {
	if target == nil || arrow.TypeEqual(arr.DataType(), target) {
		arr.Retain()
		return arr, nil
	}
	out, err := compute.CastToType(ev.ctx, arr, target)
	if err != nil {
		return nil, fmt.Errorf("cast %s to %s: %w", arr.DataType(), target, err)
	}
	return out, nil
}
