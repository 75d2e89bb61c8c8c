package primitives

import "fmt"

// OutPoint identifies a transaction output: (txid, vout). Unique across the
// system — no two UTXO rows may share one.
type OutPoint struct {
	TxID string
	Vout uint32
}

func (o OutPoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Vout)
}
