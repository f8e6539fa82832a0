package verifyingrpc

// netAPI is registered as the "net" namespace on the rpc.Server.
type netAPI struct {
	p *Provider
}

// Version returns the configured chain id rendered as a decimal
// string, matching net_version's convention (distinct from
// eth_chainId's 0x-prefixed hex).
func (n *netAPI) Version() (string, error) {
	return n.p.chainID.String(), nil
}
