package vendorsdk

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/telecalling/internal/backend"
)

func TestClassifyResponses(t *testing.T) {
	cases := []struct {
		code  int
		kind  backend.EventKind
		final bool
	}{
		{100, "", false},
		{180, backend.EventRinging, false},
		{183, backend.EventRinging, false},
		{199, "", false},
		{200, backend.EventAnswered, true},
		{486, backend.EventBusy, true},
		{600, backend.EventBusy, true},
		{408, backend.EventNoAnswer, true},
		{480, backend.EventNoAnswer, true},
		{487, backend.EventNoAnswer, true},
		{404, backend.EventFailed, true},
		{503, backend.EventFailed, true},
	}
	for _, tc := range cases {
		kind, final := classify(tc.code)
		assert.Equal(t, tc.kind, kind, "code %d", tc.code)
		assert.Equal(t, tc.final, final, "code %d", tc.code)
	}
}

func TestBuildOfferIsAudioOnly(t *testing.T) {
	body, err := buildOffer("10.0.0.5", 40000, 42)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "m=audio 40000 RTP/AVP 0 8 101")
	assert.Contains(t, text, "c=IN IP4 10.0.0.5")
	assert.Contains(t, text, "a=rtpmap:0 PCMU/8000")
	assert.NotContains(t, text, "m=video")

	pts, err := offeredPayloads(body)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 8, 101}, pts)
}

func TestBuildOfferNeedsHost(t *testing.T) {
	_, err := buildOffer("", 40000, 1)
	assert.Error(t, err)
}

func TestOfferedPayloadsWithoutAudio(t *testing.T) {
	body := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=video 5000 RTP/AVP 96",
		"",
	}, "\r\n")
	_, err := offeredPayloads([]byte(body))
	assert.Error(t, err)
}

func TestNewTagLength(t *testing.T) {
	assert.Len(t, newTag(), 16)
	assert.NotEqual(t, newTag(), newTag())
}
