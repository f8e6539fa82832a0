package verifyingrpc

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockTag is a block identifier as accepted by the Ethereum
// JSON-RPC methods this proxy exposes: either a named tag
// ("latest", "pending", "earliest", "finalized", "safe") or a
// 0x-prefixed hex block number. Unlike go-ethereum's own
// rpc.BlockNumber, BlockTag keeps the named tag distinguishable
// from the literal hex number it would otherwise collide with
// (notably "earliest", indistinguishable there from an explicit
// "0x0"), so unsupported named tags can be rejected exactly rather
// than approximated.
type BlockTag struct {
	name   string
	number uint64
}

// LatestTag is the default BlockTag used when a caller omits the
// block parameter entirely.
var LatestTag = BlockTag{name: "latest"}

// UnmarshalJSON decodes either a named tag string or a hex
// quantity string.
func (t *BlockTag) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("verifyingrpc: block tag must be a string: %w", err)
	}

	switch s {
	case "latest", "pending", "earliest", "finalized", "safe":
		*t = BlockTag{name: s}
		return nil
	}

	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return fmt.Errorf("verifyingrpc: invalid block tag %q: %w", s, err)
	}
	*t = BlockTag{name: "", number: n}
	return nil
}

// MarshalJSON renders the tag back to its wire form.
func (t BlockTag) MarshalJSON() ([]byte, error) {
	if t.name != "" {
		return json.Marshal(t.name)
	}
	return json.Marshal(hexutil.Uint64(t.number))
}

// isNamed reports whether the tag is a named tag (as opposed to a
// literal hex number), and if so, which one.
func (t BlockTag) isNamed() (string, bool) {
	return t.name, t.name != ""
}
