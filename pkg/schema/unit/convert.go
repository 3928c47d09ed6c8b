package unit

import (
	"math/big"

	"github.com/zclconf/go-cty/cty"
)

// fromCtyValue converts a cty value into plain Go values for storage on
// descriptors. Numbers become int64 when whole, float64 otherwise.
func fromCtyValue(val cty.Value) interface{} {
	if val.IsNull() {
		return nil
	}

	switch {
	case val.Type() == cty.String:
		return val.AsString()
	case val.Type() == cty.Bool:
		return val.True()
	case val.Type() == cty.Number:
		bf := val.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i
		}
		f, _ := bf.Float64()
		return f
	case val.Type().IsObjectType() || val.Type().IsMapType():
		result := make(map[string]interface{})
		for name, field := range val.AsValueMap() {
			result[name] = fromCtyValue(field)
		}
		return result
	case val.Type().IsTupleType() || val.Type().IsListType() || val.Type().IsSetType():
		var result []interface{}
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			result = append(result, fromCtyValue(elem))
		}
		return result
	default:
		return nil
	}
}
