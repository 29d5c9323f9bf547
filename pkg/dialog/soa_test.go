package dialog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSDPNegotiatorOfferAnswer(t *testing.T) {
	ctx := context.Background()
	n := NewSDPNegotiator("127.0.0.1", 4000, nil)

	offer, err := n.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(offer), "m=audio 4000 RTP/AVP 0 8 9")
	assert.Contains(t, string(offer), "a=rtpmap:0 PCMU/8000")

	// Ответ - пересечение с кодеками пира
	peer := NewSDPNegotiator("127.0.0.2", 4002, []SDPCodec{
		{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	})
	answer, err := peer.CreateAnswer(ctx, offer)
	require.NoError(t, err)
	assert.Contains(t, string(answer), "m=audio 4002 RTP/AVP 8")
	assert.NotContains(t, string(answer), "rtpmap:0")

	require.NoError(t, n.SetRemoteAnswer(ctx, answer))
}

func TestSDPNegotiatorNoCommonCodec(t *testing.T) {
	ctx := context.Background()
	n := NewSDPNegotiator("127.0.0.1", 4000, []SDPCodec{
		{PayloadType: 9, Name: "G722", ClockRate: 8000},
	})

	offer := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 5000 RTP/AVP 0\r\n" +
		"a=rtpmap:0 PCMU/8000\r\n")

	_, err := n.CreateAnswer(ctx, offer)
	require.Error(t, err)
	status, phrase := TranslateMediaError(err, true)
	assert.Equal(t, StatusNotAcceptableHere, status)
	assert.NotEmpty(t, phrase)
}

func TestSDPNegotiatorInvalidOffer(t *testing.T) {
	n := NewSDPNegotiator("127.0.0.1", 4000, nil)

	_, err := n.CreateAnswer(context.Background(), []byte("мусор"))
	require.Error(t, err)
	status, _ := TranslateMediaError(err, true)
	assert.Equal(t, StatusNotAcceptableHere, status)
}

func TestSDPNegotiatorStaticPayloadWithoutRtpmap(t *testing.T) {
	n := NewSDPNegotiator("127.0.0.1", 4000, nil)

	// Статический payload type валиден и без rtpmap
	offer := []byte("v=0\r\n" +
		"o=- 1 1 IN IP4 127.0.0.2\r\n" +
		"s=-\r\n" +
		"c=IN IP4 127.0.0.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 5000 RTP/AVP 0\r\n")

	answer, err := n.CreateAnswer(context.Background(), offer)
	require.NoError(t, err)
	assert.Contains(t, string(answer), "RTP/AVP 0")
}

func TestSDPNegotiatorClosed(t *testing.T) {
	n := NewSDPNegotiator("127.0.0.1", 4000, nil)
	require.NoError(t, n.Close())

	_, err := n.CreateOffer(context.Background())
	require.Error(t, err)
	status, _ := TranslateMediaError(err, false)
	assert.Equal(t, StatusMediaError, status)
}

func TestTranslateMediaErrorFallback(t *testing.T) {
	plain := assert.AnError

	status, phrase := TranslateMediaError(plain, true)
	assert.Equal(t, StatusNotAcceptableHere, status)
	assert.Equal(t, "Not Acceptable Here", phrase)

	status, phrase = TranslateMediaError(plain, false)
	assert.Equal(t, StatusMediaError, status)
	assert.Equal(t, InternalPhrase(StatusMediaError), phrase)
}
