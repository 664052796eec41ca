package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"maas-sim/internal/config"
)

// Logical method names the coordinator submits. Each maps to exactly one of
// the deployed contracts; the codec resolves the address and packs calldata.
const (
	MethodRegisterCommuter  = "registerCommuter"
	MethodRegisterProvider  = "registerProvider"
	MethodCreateRequestHash = "createRequestHash"
	MethodSetStatus         = "setStatus"
	MethodSubmitOfferHash   = "submitOfferHash"
	MethodRecordMatch       = "recordMatch"
	MethodConfirmCompletion = "confirmCompletion"
)

// The on-chain contracts keep only hashes and prices; full payloads stay
// off-chain. These ABIs are the complete call surface the core relies on.
const (
	registryABI = `[
		{"type":"function","name":"registerCommuter","inputs":[{"name":"id","type":"string"},{"name":"metadataHash","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"registerProvider","inputs":[{"name":"id","type":"string"},{"name":"mode","type":"string"},{"name":"metadataHash","type":"bytes32"}],"outputs":[]}
	]`
	requestABI = `[
		{"type":"function","name":"createRequestHash","inputs":[{"name":"id","type":"string"},{"name":"commuterId","type":"string"},{"name":"contentHash","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"setStatus","inputs":[{"name":"id","type":"string"},{"name":"status","type":"uint8"}],"outputs":[]}
	]`
	auctionABI = `[
		{"type":"function","name":"submitOfferHash","inputs":[{"name":"requestId","type":"string"},{"name":"providerId","type":"string"},{"name":"contentHash","type":"bytes32"}],"outputs":[]},
		{"type":"function","name":"recordMatch","inputs":[{"name":"requestId","type":"string"},{"name":"offerId","type":"string"},{"name":"providerId","type":"string"},{"name":"priceWei","type":"uint256"}],"outputs":[]},
		{"type":"function","name":"confirmCompletion","inputs":[{"name":"requestId","type":"string"}],"outputs":[]}
	]`
)

// Manifest resolves the four logical contracts to deployed addresses.
type Manifest struct {
	Registry common.Address
	Request  common.Address
	Auction  common.Address
	Facade   common.Address
}

// ManifestFromConfig parses the deployment manifest's address map.
func ManifestFromConfig(cfg config.ContractsConfig) Manifest {
	return Manifest{
		Registry: common.HexToAddress(cfg.Registry),
		Request:  common.HexToAddress(cfg.Request),
		Auction:  common.HexToAddress(cfg.Auction),
		Facade:   common.HexToAddress(cfg.Facade),
	}
}

// methodBinding ties a method name to its parsed ABI and target address.
type methodBinding struct {
	abi  *abi.ABI
	addr common.Address
}

// codec packs logical method calls into (address, calldata) pairs. When the
// facade proxy is in use, every call targets the facade address but keeps
// its original selector — the proxy exposes the union of the contract APIs.
type codec struct {
	methods map[string]methodBinding
}

func newCodec(m Manifest, useFacade bool) (*codec, error) {
	parse := func(raw string) (*abi.ABI, error) {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	}

	registry, err := parse(registryABI)
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	request, err := parse(requestABI)
	if err != nil {
		return nil, fmt.Errorf("parse request abi: %w", err)
	}
	auction, err := parse(auctionABI)
	if err != nil {
		return nil, fmt.Errorf("parse auction abi: %w", err)
	}

	c := &codec{methods: make(map[string]methodBinding)}
	bind := func(a *abi.ABI, addr common.Address) {
		if useFacade {
			addr = m.Facade
		}
		for name := range a.Methods {
			c.methods[name] = methodBinding{abi: a, addr: addr}
		}
	}
	bind(registry, m.Registry)
	bind(request, m.Request)
	bind(auction, m.Auction)
	return c, nil
}

// pack resolves a method to its contract address and ABI-encodes the call.
func (c *codec) pack(method string, args ...any) (common.Address, []byte, error) {
	binding, ok := c.methods[method]
	if !ok {
		return common.Address{}, nil, fmt.Errorf("unknown contract method %q", method)
	}
	data, err := binding.abi.Pack(method, args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return binding.addr, data, nil
}

// ContentHash condenses an off-chain payload into the bytes32 commitment the
// contracts store. Parts are joined with a separator so ("ab","c") and
// ("a","bc") never collide.
func ContentHash(parts ...string) [32]byte {
	var out [32]byte
	copy(out[:], crypto.Keccak256([]byte(strings.Join(parts, "\x1f"))))
	return out
}

// PriceToWei converts a two-place decimal price into an 18-decimal integer
// amount for the recordMatch call.
func PriceToWei(price decimal.Decimal) *big.Int {
	return price.Shift(18).Truncate(0).BigInt()
}
