package vendorsdk

import (
	"fmt"
	"strconv"

	"github.com/pion/sdp/v3"
)

// offerCodecs are the payload types offered to the trunk, in preference order.
var offerCodecs = []struct {
	payload string
	rtpmap  string
}{
	{"0", "PCMU/8000"},
	{"8", "PCMA/8000"},
	{"101", "telephone-event/8000"},
}

// buildOffer renders the audio-only SDP offer carried by the INVITE.
func buildOffer(host string, port int, sessionID uint64) ([]byte, error) {
	if host == "" {
		return nil, fmt.Errorf("vendor: sdp offer: empty host")
	}

	formats := make([]string, 0, len(offerCodecs))
	attrs := make([]sdp.Attribute, 0, len(offerCodecs)+3)
	for _, c := range offerCodecs {
		formats = append(formats, c.payload)
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.payload + " " + c.rtpmap})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "fmtp", Value: "101 0-15"},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "telecalld",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "telecall",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("vendor: sdp offer: %w", err)
	}
	return body, nil
}

// offeredPayloads lists the payload types of the first audio section of body.
func offeredPayloads(body []byte) ([]int, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("vendor: parse sdp: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		out := make([]int, 0, len(m.MediaName.Formats))
		for _, f := range m.MediaName.Formats {
			pt, err := strconv.Atoi(f)
			if err != nil {
				continue
			}
			out = append(out, pt)
		}
		return out, nil
	}
	return nil, fmt.Errorf("vendor: parse sdp: no audio section")
}
