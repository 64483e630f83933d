package model

type Chain string

const (
	ChainStarknet Chain = "starknet"
	ChainEthereum Chain = "ethereum"
	ChainBase     Chain = "base"
)

func (c Chain) String() string {
	return string(c)
}

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkSepolia Network = "sepolia"
	NetworkDevnet  Network = "devnet"
)

func (n Network) String() string {
	return string(n)
}

// SourceKind selects the event log collaborator backing a reconciler.
type SourceKind string

const (
	SourceStarknet SourceKind = "starknet"
	SourceEVM      SourceKind = "evm"
	SourcePostgres SourceKind = "postgres"
)

func (s SourceKind) String() string {
	return string(s)
}

// Valid reports whether s names a supported collaborator.
func (s SourceKind) Valid() bool {
	switch s {
	case SourceStarknet, SourceEVM, SourcePostgres:
		return true
	default:
		return false
	}
}
