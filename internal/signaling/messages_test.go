package signaling

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOffer(t *testing.T) {
	raw := []byte(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}}`)
	msg, err := Decode(raw)
	require.NoError(t, err)

	offer, ok := msg.(Offer)
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.SDP.Type)
	assert.Equal(t, "v=0...", offer.SDP.SDP)
}

func TestDecodeRejectsMissingRequiredFields(t *testing.T) {
	cases := map[string]string{
		"offer without sdp":         `{"type":"offer"}`,
		"answer with empty sdp":     `{"type":"answer","sdp":{"type":"answer","sdp":""}}`,
		"candidate without payload": `{"type":"ice-candidate"}`,
		"call-accepted without id":  `{"type":"call-accepted"}`,
		"call-ended without id":     `{"type":"call-ended"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"renegotiate"}`))
	var unknown *ErrUnknownType
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "renegotiate", unknown.Type)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEncodeCandidateCarriesPayload(t *testing.T) {
	data, err := Encode(ICECandidate{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp ..."}})
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	cand, ok := msg.(ICECandidate)
	require.True(t, ok)
	assert.Equal(t, "candidate:1 1 udp ...", cand.Candidate.Candidate)
}

func TestEncodeCallEnded(t *testing.T) {
	data, err := Encode(CallEnded{CallID: "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"call-ended","callId":"c1"}`, string(data))
}

func TestErrUnknownTypeIsNotMatchedByOtherErrors(t *testing.T) {
	_, err := Decode([]byte(`{"type":"offer"}`))
	var unknown *ErrUnknownType
	assert.False(t, errors.As(err, &unknown))
}
