package rtc

import (
	"encoding/json"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

var defaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// newAPI builds a pion API with the default codecs and interceptors.
// loopback admits 127.0.0.1 host candidates, which single-host setups need.
func newAPI(loopback bool) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	if loopback {
		se.SetIncludeLoopbackCandidate(true)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)), nil
}

// newPeer creates a peer connection with an Opus send track labelled label.
func newPeer(api *webrtc.API, iceServersJSON, label string) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(iceServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		label, label,
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	// interceptors need RTCP read off the sender; returns when the peer closes
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return pc, track, nil
}

// parseICEServers accepts a JSON array of RTCIceServer objects. An empty or
// malformed value falls back to a public STUN server; "[]" means none.
func parseICEServers(iceJSON string) []webrtc.ICEServer {
	if strings.TrimSpace(iceJSON) == "" {
		return defaultICEServers
	}
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err != nil {
		return defaultICEServers
	}
	return servers
}

// depacketizerFor picks the RTP depacketizer for a video codec.
func depacketizerFor(mimeType string) (rtp.Depacketizer, bool) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}, true
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}, true
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return &codecs.H264Packet{}, true
	default:
		return nil, false
	}
}
