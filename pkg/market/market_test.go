package market

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bigs(vals ...int64) []*big.Int {
	out := make([]*big.Int, len(vals))
	for i, v := range vals {
		out[i] = big.NewInt(v)
	}
	return out
}

func TestDecodeRequest(t *testing.T) {
	owner := common.HexToAddress("0xf17f52151EbEF6C7334FAD080c5704D77216b732")
	req, err := DecodeRequest(42, owner, bigs(4, 8, 100, 1, 60, 3, 0))
	require.NoError(t, err)

	assert.Equal(t, uint64(42), req.ID)
	assert.Equal(t, owner, req.Owner)
	assert.Equal(t, uint64(4), req.CPU)
	assert.Equal(t, uint64(8), req.Memory)
	assert.Equal(t, uint64(100), req.Storage)
	assert.Equal(t, uint64(60), req.Duration)
	assert.Equal(t, uint64(3), req.Price)
	assert.Equal(t, RequestAvailable, req.Status)
}

func TestDecodeRequestShortTuple(t *testing.T) {
	_, err := DecodeRequest(1, common.Address{}, bigs(1, 2, 3))
	assert.Error(t, err)
}

func TestRequestFits(t *testing.T) {
	dp := &Request{CPU: 4, Memory: 8, Storage: 100, Bandwidth: 1}

	assert.True(t, dp.Fits(&Request{CPU: 2, Memory: 4, Storage: 50, Bandwidth: 1}))
	assert.True(t, dp.Fits(&Request{CPU: 4, Memory: 8, Storage: 100, Bandwidth: 1}))
	assert.False(t, dp.Fits(&Request{CPU: 8, Memory: 4, Storage: 50, Bandwidth: 1}))
	assert.False(t, dp.Fits(&Request{CPU: 2, Memory: 16, Storage: 50, Bandwidth: 1}))
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "available", RequestAvailable.String())
	assert.Equal(t, "booked", RequestBooked.String())
	assert.Equal(t, "canceled", RequestCanceled.String())
	assert.Equal(t, "open", OrderOpen.String())
	assert.Equal(t, "processing", OrderProcessing.String())
	assert.Equal(t, "closed", OrderClosed.String())
	assert.Equal(t, "cancelled", OrderCancelled.String())
	assert.Equal(t, "unknown(9)", OrderStatus(9).String())
}

func TestParseImageSpec(t *testing.T) {
	spec, err := ParseImageSpec("v3:QmImage:etny-pynithy:QmCompose:QmChallenge:cert")
	require.NoError(t, err)
	assert.Equal(t, "QmImage", spec.ImageCID)
	assert.Equal(t, "etny-pynithy", spec.ImageName)
	assert.Equal(t, "QmCompose", spec.ComposeCID)
	assert.Equal(t, "QmChallenge", spec.ChallengeCID)
	assert.Equal(t, "cert", spec.PublicCert)
}

func TestParseImageSpecRejectsOtherVersions(t *testing.T) {
	_, err := ParseImageSpec("v1:QmImage:name")
	assert.Error(t, err)
	_, err = ParseImageSpec("v3:QmImage:name")
	assert.Error(t, err)

	assert.Equal(t, "v1", SpecVersion("v1:QmImage:name"))
	assert.Equal(t, "", SpecVersion("garbage"))
}

func TestContentRef(t *testing.T) {
	cid, err := ContentRef("ipfs:QmPayload")
	require.NoError(t, err)
	assert.Equal(t, "QmPayload", cid)

	_, err = ContentRef("QmNoKind:")
	assert.Error(t, err)
	_, err = ContentRef("bare")
	assert.Error(t, err)
}

func TestPinnedTo(t *testing.T) {
	addr := common.HexToAddress("0xf17f52151EbEF6C7334FAD080c5704D77216b732")

	open := &DOMetadata{PinnedNode: ""}
	assert.True(t, open.PinnedTo(addr))

	mine := &DOMetadata{PinnedNode: "0xF17F52151EBEF6C7334FAD080C5704D77216B732"}
	assert.True(t, mine.PinnedTo(addr))

	other := &DOMetadata{PinnedNode: "0xC5fdf4076b8F3A5357c5E395ab970B5B54098Fef"}
	assert.False(t, other.PinnedTo(addr))
}

func TestOperatorReward(t *testing.T) {
	tests := []struct {
		name string
		fees Fees
		want float64
	}{
		{"deducted fees", Fees{RewardType: 1, NetworkFee: 5, EnclaveFee: 10}, 153.00},
		{"inclusive fees", Fees{RewardType: 2, NetworkFee: 5, EnclaveFee: 10}, 156.52},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OperatorReward(3, 60, tt.fees)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperatorRewardUnknownType(t *testing.T) {
	_, err := OperatorReward(3, 60, Fees{RewardType: 7})
	assert.Error(t, err)
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "v3:0xabc:QmResult", FormatResult("0xabc", "QmResult"))
}
