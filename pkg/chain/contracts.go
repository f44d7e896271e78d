package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethernity-cloud/etny-agent/pkg/market"
)

// specVersion is the protocol version this agent speaks on-chain.
const specVersion = "v3"

// GetDORequestsCount returns the total number of DO requests ever
// placed on the marketplace.
func (c *Client) GetDORequestsCount(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getDORequestsCount")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}

func decodeRequestOutput(id uint64, out []interface{}) (*market.Request, error) {
	owner, ok := out[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("request %d: unexpected owner field type", id)
	}
	vals := make([]*big.Int, 0, len(out)-1)
	for _, v := range out[1:] {
		num, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("request %d: unexpected numeric field type", id)
		}
		vals = append(vals, num)
	}
	return market.DecodeRequest(id, owner, vals)
}

// GetDORequest returns the DO request at the given position.
func (c *Client) GetDORequest(ctx context.Context, id uint64) (*market.Request, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getDORequest", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return decodeRequestOutput(id, out)
}

// GetDORequestMetadata returns the metadata tuple of a DO request.
func (c *Client) GetDORequestMetadata(ctx context.Context, id uint64) (*market.DOMetadata, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getDORequestMetadata", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return &market.DOMetadata{
		ImageSpec:  out[1].(string),
		Payload:    out[2].(string),
		Input:      out[3].(string),
		PinnedNode: out[4].(string),
	}, nil
}

// GetDPRequest returns the DP request at the given position.
func (c *Client) GetDPRequest(ctx context.Context, id uint64) (*market.Request, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getDPRequest", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return decodeRequestOutput(id, out)
}

// GetDPRequestUUID returns the operator uuid a DP request was
// advertised under.
func (c *Client) GetDPRequestUUID(ctx context.Context, id uint64) (string, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getDPRequestMetadata", new(big.Int).SetUint64(id))
	if err != nil {
		return "", err
	}
	return out[1].(string), nil
}

func decodeIDSlice(out []interface{}) ([]uint64, error) {
	nums, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected id slice type %T", out[0])
	}
	ids := make([]uint64, len(nums))
	for i, n := range nums {
		ids[i] = n.Uint64()
	}
	return ids, nil
}

// GetMyDPRequests returns the ids of every DP request this operator
// has placed.
func (c *Client) GetMyDPRequests(ctx context.Context) ([]uint64, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getMyDPRequests")
	if err != nil {
		return nil, err
	}
	return decodeIDSlice(out)
}

// GetMyDOOrders returns the ids of every order this operator is party to.
func (c *Client) GetMyDOOrders(ctx context.Context) ([]uint64, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getMyDOOrders")
	if err != nil {
		return nil, err
	}
	return decodeIDSlice(out)
}

// GetOrder returns the order at the given position.
func (c *Client) GetOrder(ctx context.Context, id uint64) (*market.Order, error) {
	out, err := c.call(ctx, c.marketplaceAddr, c.marketplaceABI, "_getOrder", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return &market.Order{
		ID:     id,
		DOwner: out[0].(common.Address),
		DProc:  out[1].(common.Address),
		DOReq:  out[2].(*big.Int).Uint64(),
		DPReq:  out[3].(*big.Int).Uint64(),
		Status: market.OrderStatus(out[4].(*big.Int).Uint64()),
	}, nil
}

// AddDPRequest advertises the operator's capacity on the marketplace
// and returns the new request's row number from the placement event.
func (c *Client) AddDPRequest(ctx context.Context, req *market.Request, uuid, geo string) (uint64, error) {
	receipt, err := c.execute(ctx, c.marketplaceAddr, c.marketplaceABI, "_addDPRequest",
		new(big.Int).SetUint64(req.CPU),
		new(big.Int).SetUint64(req.Memory),
		new(big.Int).SetUint64(req.Storage),
		new(big.Int).SetUint64(req.Bandwidth),
		new(big.Int).SetUint64(req.Duration),
		new(big.Int).SetUint64(req.Price),
		uuid, specVersion, geo, "")
	if err != nil {
		return 0, err
	}
	return c.eventValue(c.marketplaceABI, receipt, "_addDPRequestEV", "_rowNumber")
}

// CancelDPRequest withdraws an advertised DP request.
func (c *Client) CancelDPRequest(ctx context.Context, id uint64) error {
	_, err := c.execute(ctx, c.marketplaceAddr, c.marketplaceABI, "_cancelDPRequest", new(big.Int).SetUint64(id))
	return err
}

// PlaceOrder matches a DO request with this operator's DP request and
// returns the new order number from the placement event.
func (c *Client) PlaceOrder(ctx context.Context, doReq, dpReq uint64) (uint64, error) {
	receipt, err := c.execute(ctx, c.marketplaceAddr, c.marketplaceABI, "_placeOrder",
		new(big.Int).SetUint64(doReq), new(big.Int).SetUint64(dpReq))
	if err != nil {
		return 0, err
	}
	return c.eventValue(c.marketplaceABI, receipt, "_placeOrderEV", "_orderNumber")
}

// AddResultToOrder submits the execution result for an order.
func (c *Client) AddResultToOrder(ctx context.Context, orderID uint64, result string) error {
	_, err := c.execute(ctx, c.marketplaceAddr, c.marketplaceABI, "_addResultToOrder",
		new(big.Int).SetUint64(orderID), result)
	return err
}

// GetTrustedZoneImage resolves the current content ids of a
// trusted-zone enclave image and its compose file.
func (c *Client) GetTrustedZoneImage(ctx context.Context, imageName string) (imageCID, composeCID string, err error) {
	out, err := c.call(ctx, c.registryAddr, c.registryABI, "getLatestTrustedZoneImageCertPublicKey", imageName, specVersion)
	if err != nil {
		return "", "", err
	}
	return out[0].(string), out[2].(string), nil
}

// LogCall reports liveness to the heartbeat contract.
func (c *Client) LogCall(ctx context.Context) error {
	_, err := c.execute(ctx, c.heartbeatAddr, c.heartbeatABI, "logCall", specVersion)
	return err
}

// GetNodesCount returns the number of registered operator nodes, the
// input to the dispersion factor.
func (c *Client) GetNodesCount(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, c.heartbeatAddr, c.heartbeatABI, "getNodesCount")
	if err != nil {
		return 0, err
	}
	return out[0].(*big.Int).Uint64(), nil
}
