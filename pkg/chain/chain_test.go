package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRevert(t *testing.T) {
	err := classify(errors.New("execution reverted: order already taken"))
	require.True(t, IsRevert(err))

	var revert *RevertError
	require.ErrorAs(t, err, &revert)
	assert.Equal(t, "order already taken", revert.Reason)
}

func TestClassifyRevertWithoutReason(t *testing.T) {
	err := classify(errors.New("execution reverted"))
	require.True(t, IsRevert(err))
	assert.Equal(t, "execution reverted", err.Error())
}

func TestClassifyPassesThroughTransientErrors(t *testing.T) {
	transient := errors.New("connection refused")
	assert.Equal(t, transient, classify(transient))
	assert.False(t, IsRevert(transient))
	assert.NoError(t, classify(nil))
}

func TestIsRevertSeesWrappedErrors(t *testing.T) {
	err := fmt.Errorf("failed to send _placeOrder: %w", &RevertError{Reason: "taken"})
	assert.True(t, IsRevert(err))
}

func TestToWei(t *testing.T) {
	tests := []struct {
		value   float64
		measure string
		want    string
	}{
		{1, "wei", "1"},
		{1, "mwei", "1000000"},
		{35, "gwei", "35000000000"},
		{1.5, "gwei", "1500000000"},
		{1, "ether", "1000000000000000000"},
	}
	for _, tt := range tests {
		got, err := toWei(tt.value, tt.measure)
		require.NoError(t, err, tt.measure)
		assert.Equal(t, tt.want, got.String())
	}
}

func TestToWeiUnknownMeasure(t *testing.T) {
	_, err := toWei(1, "parsec")
	assert.Error(t, err)
}

func TestRaiseBaseFee(t *testing.T) {
	// 10% raise, floored.
	assert.Equal(t, "110", raiseBaseFee(big.NewInt(100)).String())
	assert.Equal(t, "11", raiseBaseFee(big.NewInt(10)).String())
	assert.Equal(t, "10", raiseBaseFee(big.NewInt(9)).String())
	assert.Equal(t, "0", raiseBaseFee(big.NewInt(0)).String())
}

func TestEmbeddedABIsParse(t *testing.T) {
	// Dial parses the embedded ABIs; validate them directly so a bad
	// edit fails fast without a network.
	marketplace, err := abi.JSON(strings.NewReader(marketplaceABIJSON))
	require.NoError(t, err)
	for _, method := range []string{
		"_getDORequestsCount", "_getDORequest", "_getDORequestMetadata",
		"_getDPRequest", "_getDPRequestMetadata", "_getMyDPRequests",
		"_getMyDOOrders", "_getOrder", "_addDPRequest", "_cancelDPRequest",
		"_placeOrder", "_addResultToOrder",
	} {
		_, ok := marketplace.Methods[method]
		assert.True(t, ok, method)
	}
	for _, event := range []string{"_addDPRequestEV", "_placeOrderEV", "_addResultEV"} {
		_, ok := marketplace.Events[event]
		assert.True(t, ok, event)
	}

	registry, err := abi.JSON(strings.NewReader(imageRegistryABIJSON))
	require.NoError(t, err)
	_, ok := registry.Methods["getLatestTrustedZoneImageCertPublicKey"]
	assert.True(t, ok)

	heartbeat, err := abi.JSON(strings.NewReader(heartbeatABIJSON))
	require.NoError(t, err)
	_, ok = heartbeat.Methods["logCall"]
	assert.True(t, ok)
	_, ok = heartbeat.Methods["getNodesCount"]
	assert.True(t, ok)
}
