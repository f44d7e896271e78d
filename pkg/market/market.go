package market

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RequestStatus is the on-chain lifecycle state of a DP or DO request.
type RequestStatus uint8

const (
	RequestAvailable RequestStatus = 0
	RequestBooked    RequestStatus = 1
	RequestCanceled  RequestStatus = 2
)

// String returns the status name used in logs.
func (s RequestStatus) String() string {
	switch s {
	case RequestAvailable:
		return "available"
	case RequestBooked:
		return "booked"
	case RequestCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// OrderStatus is the on-chain lifecycle state of an order.
type OrderStatus uint8

const (
	OrderOpen       OrderStatus = 0
	OrderProcessing OrderStatus = 1
	OrderClosed     OrderStatus = 2
	OrderCancelled  OrderStatus = 3
)

// String returns the status name used in logs.
func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderProcessing:
		return "processing"
	case OrderClosed:
		return "closed"
	case OrderCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Request is the typed view of a marketplace request tuple: either a
// DP capacity offer or a DO task demand, both carried in the same
// shape on-chain.
type Request struct {
	ID        uint64
	Owner     common.Address
	CPU       uint64
	Memory    uint64
	Storage   uint64
	Bandwidth uint64
	Duration  uint64
	Price     uint64
	Status    RequestStatus
}

// Fits reports whether a DP capability covers the DO request's demand.
func (r *Request) Fits(do *Request) bool {
	return r.CPU >= do.CPU &&
		r.Memory >= do.Memory &&
		r.Storage >= do.Storage &&
		r.Bandwidth >= do.Bandwidth
}

// DecodeRequest builds a Request from the raw contract tuple
// [owner, cpu, memory, storage, bandwidth, duration, price, status].
func DecodeRequest(id uint64, owner common.Address, vals []*big.Int) (*Request, error) {
	if len(vals) < 7 {
		return nil, fmt.Errorf("request tuple too short: %d fields", len(vals))
	}
	return &Request{
		ID:        id,
		Owner:     owner,
		CPU:       vals[0].Uint64(),
		Memory:    vals[1].Uint64(),
		Storage:   vals[2].Uint64(),
		Bandwidth: vals[3].Uint64(),
		Duration:  vals[4].Uint64(),
		Price:     vals[5].Uint64(),
		Status:    RequestStatus(vals[6].Uint64()),
	}, nil
}

// Order is the typed view of an order tuple
// [downer, dproc, do_req, dp_req, status].
type Order struct {
	ID     uint64
	DOwner common.Address
	DProc  common.Address
	DOReq  uint64
	DPReq  uint64
	Status OrderStatus
}

// DOMetadata is the typed view of a DO request metadata tuple. Index 1
// carries the enclave image spec string, 2 and 3 carry payload and
// input content references, 4 pins the request to one operator.
type DOMetadata struct {
	ImageSpec  string
	Payload    string
	Input      string
	PinnedNode string
}

// PinnedTo reports whether the request is reserved for addr. An empty
// pin means any operator may take it.
func (m *DOMetadata) PinnedTo(addr common.Address) bool {
	return m.PinnedNode == "" || strings.EqualFold(m.PinnedNode, addr.Hex())
}

// ImageSpec is the parsed v3 enclave image descriptor
// v3:<image-cid>:<image-name>:<compose-cid>:<challenge-cid>:<public-cert>.
type ImageSpec struct {
	ImageCID     string
	ImageName    string
	ComposeCID   string
	ChallengeCID string
	PublicCert   string
}

// SpecVersion returns the version prefix of an image spec string.
func SpecVersion(spec string) string {
	idx := strings.Index(spec, ":")
	if idx < 0 {
		return ""
	}
	return spec[:idx]
}

// ParseImageSpec parses a v3 image spec string.
func ParseImageSpec(spec string) (*ImageSpec, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 6 || parts[0] != "v3" {
		return nil, fmt.Errorf("malformed v3 image spec %q", spec)
	}
	return &ImageSpec{
		ImageCID:     parts[1],
		ImageName:    parts[2],
		ComposeCID:   parts[3],
		ChallengeCID: parts[4],
		PublicCert:   parts[5],
	}, nil
}

// ContentRef extracts the CID from a <kind>:<cid> metadata reference.
func ContentRef(ref string) (string, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("malformed content reference %q", ref)
	}
	return parts[1], nil
}

// FormatResult builds the v3 result string submitted on-chain for a
// completed order.
func FormatResult(txHex, resultCID string) string {
	return fmt.Sprintf("v3:%s:%s", txHex, resultCID)
}

// Fees describes a network's reward fee model. Type 1 deducts the
// network and enclave fees from the order total; type 2 treats the
// total as already fee-inclusive and derives the base amount first.
type Fees struct {
	RewardType int
	NetworkFee float64
	EnclaveFee float64
}

// OperatorReward computes the operator's share of an order's total
// amount, rounded to two decimals.
func OperatorReward(price, duration uint64, fees Fees) (float64, error) {
	total := float64(price) * float64(duration)
	var base float64
	switch fees.RewardType {
	case 1:
		base = total
	case 2:
		base = (total * 100) / (100 + fees.NetworkFee + fees.EnclaveFee)
	default:
		return 0, fmt.Errorf("unknown reward type %d", fees.RewardType)
	}
	operator := total - base*fees.NetworkFee/100 - base*fees.EnclaveFee/100
	return math.Round(operator*100) / 100, nil
}
