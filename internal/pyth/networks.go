package pyth

import (
	"fmt"

	"github.com/rickgao/pyth-data/internal/solana"
)

// Network names a cluster the oracle is deployed to.
type Network string

const (
	NetworkMainnet             Network = "mainnet"
	NetworkDevnet              Network = "devnet"
	NetworkTestnet             Network = "testnet"
	NetworkPythnet             Network = "pythnet"
	NetworkPythtestConformance Network = "pythtest-conformance"
	NetworkPythtestCrosschain  Network = "pythtest-crosschain"
)

type networkInfo struct {
	endpoint   string
	programKey solana.PublicKey
	mappingKey solana.PublicKey
}

var networks = map[Network]networkInfo{
	NetworkMainnet: {
		endpoint:   "api.mainnet-beta.solana.com",
		programKey: solana.MustPublicKey("FsJ3A3u2vn5cTVofAjvy6y5kwABJAqYWpe4975bi2epH"),
		mappingKey: solana.MustPublicKey("AHtgzX45WTKfkPG53L6WYhGEXwQkN1BVknET3sVsLL8J"),
	},
	NetworkPythnet: {
		endpoint:   "pythnet.rpcpool.com",
		programKey: solana.MustPublicKey("FsJ3A3u2vn5cTVofAjvy6y5kwABJAqYWpe4975bi2epH"),
		mappingKey: solana.MustPublicKey("AHtgzX45WTKfkPG53L6WYhGEXwQkN1BVknET3sVsLL8J"),
	},
	NetworkDevnet: {
		endpoint:   "api.devnet.solana.com",
		programKey: solana.MustPublicKey("gSbePebfvPy7tRqimPoVecS2UsBvYv46ynrzWocc92s"),
		mappingKey: solana.MustPublicKey("BmA9Z6FjioHJPpjT39QazZyhDRUdZy2ezwx4GiDdE2u2"),
	},
	NetworkTestnet: {
		endpoint:   "api.testnet.solana.com",
		programKey: solana.MustPublicKey("8tfDNiaEyrV6Q1U4DEXrEigs9DoDtkugzFbybENEbCDz"),
		mappingKey: solana.MustPublicKey("AFmdnt9ng1uVxqCmqwQJDAYC5cKTkw8gJKSM5PnzuF6z"),
	},
	NetworkPythtestConformance: {
		endpoint:   "api.pythtest.pyth.network",
		programKey: solana.MustPublicKey("8tfDNiaEyrV6Q1U4DEXrEigs9DoDtkugzFbybENEbCDz"),
		mappingKey: solana.MustPublicKey("AFmdnt9ng1uVxqCmqwQJDAYC5cKTkw8gJKSM5PnzuF6z"),
	},
	NetworkPythtestCrosschain: {
		endpoint:   "api.pythtest.pyth.network",
		programKey: solana.MustPublicKey("gSbePebfvPy7tRqimPoVecS2UsBvYv46ynrzWocc92s"),
		mappingKey: solana.MustPublicKey("BmA9Z6FjioHJPpjT39QazZyhDRUdZy2ezwx4GiDdE2u2"),
	},
}

// ProgramKey returns the oracle program key deployed on a network.
func ProgramKey(network Network) (solana.PublicKey, error) {
	info, ok := networks[network]
	if !ok {
		return solana.NullKey, fmt.Errorf("unknown network %q", network)
	}
	return info.programKey, nil
}

// MappingKey returns the first mapping account key on a network.
func MappingKey(network Network) (solana.PublicKey, error) {
	info, ok := networks[network]
	if !ok {
		return solana.NullKey, fmt.Errorf("unknown network %q", network)
	}
	return info.mappingKey, nil
}

// HTTPEndpoint returns the default JSON-RPC endpoint for a network.
func HTTPEndpoint(network Network) (string, error) {
	info, ok := networks[network]
	if !ok {
		return "", fmt.Errorf("unknown network %q", network)
	}
	return "https://" + info.endpoint, nil
}

// WSEndpoint returns the default websocket endpoint for a network.
func WSEndpoint(network Network) (string, error) {
	info, ok := networks[network]
	if !ok {
		return "", fmt.Errorf("unknown network %q", network)
	}
	return "wss://" + info.endpoint, nil
}
