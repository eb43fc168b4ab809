package internal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMetaData() *messageMetaData {
	return &messageMetaData{
		PublishInfo: messagePublishInfo{
			Exchange:   "orders",
			RoutingKey: "orders.created.eu",
			Mandatory:  true,
		},
		ContentHeader: contentHeader{
			ClassId:  ClassBasic,
			BodySize: 4242,
			Properties: basicProperties{
				ContentType:     "application/json",
				ContentEncoding: "gzip",
				DeliveryMode:    persistentDeliveryMode,
				Priority:        4,
				CorrelationId:   "corr-17",
				ReplyTo:         "replies",
				Expiration:      "60000",
				MessageId:       "msg-99",
				Timestamp:       1718000000,
				Type:            "order.created",
				UserId:          "guest",
				AppId:           "order-service",
			},
		},
		ArrivalTime: 1718000000123,
	}
}

func TestMessageMetaData_RoundTrip(t *testing.T) {
	original := sampleMetaData()

	encoded, err := original.encode()
	require.NoError(t, err)

	decoded, consumed, err := decodeMessageMetaData(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed, "decode must consume the whole record")

	if diff := cmp.Diff(original, decoded); diff != "" {
		t.Errorf("metadata round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageMetaData_RoundTripMinimal(t *testing.T) {
	original := &messageMetaData{
		PublishInfo:   messagePublishInfo{Exchange: "", RoutingKey: "q1", Immediate: true},
		ContentHeader: contentHeader{ClassId: ClassBasic, BodySize: 0},
		ArrivalTime:   -1,
	}

	encoded, err := original.encode()
	require.NoError(t, err)

	decoded, _, err := decodeMessageMetaData(encoded)
	require.NoError(t, err)
	assert.Equal(t, original.PublishInfo, decoded.PublishInfo)
	assert.Equal(t, original.ArrivalTime, decoded.ArrivalTime)
	assert.Equal(t, original.ContentHeader.BodySize, decoded.ContentHeader.BodySize)
}

func TestMessageMetaData_StorableSize(t *testing.T) {
	m := sampleMetaData()

	encoded, err := m.encode()
	require.NoError(t, err)

	size, err := m.storableSize()
	require.NoError(t, err)
	assert.Equal(t, len(encoded), size, "storable size must equal the encoded length")

	// The identity behind storableSize: header body plus the fixed
	// framing of exchange, routing key, flags and arrival time.
	headerBody, err := m.ContentHeader.encode()
	require.NoError(t, err)
	expected := len(headerBody) + 4 +
		shortStringLen(m.PublishInfo.Exchange) +
		shortStringLen(m.PublishInfo.RoutingKey) + 1 + 8
	assert.Equal(t, expected, size)
}

func TestMessageMetaData_HeadersTableSurvives(t *testing.T) {
	original := sampleMetaData()
	original.ContentHeader.Properties.Headers = map[string]interface{}{
		"x-retries": int32(3),
		"x-source":  "edge-gateway",
		"x-flag":    true,
	}

	encoded, err := original.encode()
	require.NoError(t, err)

	decoded, _, err := decodeMessageMetaData(encoded)
	require.NoError(t, err)

	headers := decoded.ContentHeader.Properties.Headers
	assert.Equal(t, int32(3), headers["x-retries"])
	assert.Equal(t, "edge-gateway", headers["x-source"])
	assert.Equal(t, true, headers["x-flag"])
}

func TestMessageMetaData_DecodeTruncated(t *testing.T) {
	encoded, err := sampleMetaData().encode()
	require.NoError(t, err)

	for _, cut := range []int{0, 2, 5, len(encoded) / 2, len(encoded) - 1} {
		_, _, err := decodeMessageMetaData(encoded[:cut])
		assert.Error(t, err, "decoding %d octets must fail", cut)
	}
}

func TestMessageMetaData_FlagBits(t *testing.T) {
	for _, tc := range []struct {
		mandatory, immediate bool
	}{
		{false, false}, {true, false}, {false, true}, {true, true},
	} {
		m := &messageMetaData{
			PublishInfo:   messagePublishInfo{RoutingKey: "k", Mandatory: tc.mandatory, Immediate: tc.immediate},
			ContentHeader: contentHeader{ClassId: ClassBasic},
		}
		encoded, err := m.encode()
		require.NoError(t, err)
		decoded, _, err := decodeMessageMetaData(encoded)
		require.NoError(t, err)
		assert.Equal(t, tc.mandatory, decoded.PublishInfo.Mandatory)
		assert.Equal(t, tc.immediate, decoded.PublishInfo.Immediate)
	}
}

func TestBasicProperties_CloneIsDeep(t *testing.T) {
	p := basicProperties{
		ContentEncoding: "gzip",
		Headers:         map[string]interface{}{"k": "v"},
	}
	c := p.clone()
	c.ContentEncoding = ""
	c.Headers["k"] = "changed"

	assert.Equal(t, "gzip", p.ContentEncoding)
	assert.Equal(t, "v", p.Headers["k"])
}
