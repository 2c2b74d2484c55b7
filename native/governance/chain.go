package governance

// ChainTx is a confirmed transaction as seen by the local chain state.
type ChainTx struct {
	ID          string
	BlockHeight int
	OpReturn    []byte
}

// ChainState is the read view of the locally tracked chain.
type ChainState interface {
	ChainHeight() int
	// Tx returns a confirmed transaction.
	Tx(txID string) (ChainTx, bool)
}
