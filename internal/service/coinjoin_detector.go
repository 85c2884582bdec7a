package service

import (
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
)

// Coinjoin shape thresholds
const (
	MinCoinjoinInputs  = 5
	MinCoinjoinOutputs = 5
	MinEqualOutputs    = 3
)

// TxShape is the part of a transaction the coinjoin heuristic looks at.
// Output values are in satoshis.
type TxShape struct {
	InputCount   int
	OutputValues []int64
}

// LooksLikeCoinjoin reports whether a transaction has the shape of a WabiSabi
// coinjoin: enough inputs, enough outputs and at least MinEqualOutputs outputs
// sharing one value.
func LooksLikeCoinjoin(shape TxShape) bool {
	if shape.InputCount < MinCoinjoinInputs || len(shape.OutputValues) < MinCoinjoinOutputs {
		return false
	}

	groups := make(map[int64]int, len(shape.OutputValues))
	for _, v := range shape.OutputValues {
		groups[v]++
		if groups[v] >= MinEqualOutputs {
			return true
		}
	}
	return false
}

// ShapeFromRaw extracts the heuristic input from a verbose node transaction.
// Output values that cannot be converted are counted as zero-value outputs.
func ShapeFromRaw(tx *btcjson.TxRawResult) TxShape {
	if tx == nil {
		return TxShape{}
	}
	values := make([]int64, 0, len(tx.Vout))
	for _, out := range tx.Vout {
		values = append(values, toSats(out.Value))
	}
	return TxShape{InputCount: len(tx.Vin), OutputValues: values}
}

// toSats converts a whole-coin amount to satoshis, rounding to the nearest sat
func toSats(btc float64) int64 {
	amt, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0
	}
	return int64(amt)
}
