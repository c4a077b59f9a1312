package transport

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/ice"
	"github.com/1ureka/p2pcall/internal/util"
)

const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// Factory builds Connections that share one configured pion API.
type Factory struct {
	api *webrtc.API
}

// NewFactory registers the default codecs and interceptors and routes pion's
// own logging through the application logger.
func NewFactory() (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%w: register codecs: %v", ErrUnsupportedEnvironment, err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("%w: register interceptors: %v", ErrUnsupportedEnvironment, err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
	}, nil
}

func (f *Factory) newPeerConnection(servers []ice.Server) (*webrtc.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice.WebRTC(servers),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEnvironment, err)
	}
	return pc, nil
}

// attachTracks adds the local tracks and a receive-only transceiver for every
// kind the local side does not send, so the remote side's media is still
// negotiated.
func attachTracks(pc *webrtc.PeerConnection, tracks []webrtc.TrackLocal) error {
	sending := map[webrtc.RTPCodecType]bool{}
	for _, track := range tracks {
		rtpSender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		sending[track.Kind()] = true
		go drainRTCP(rtpSender)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if sending[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// drainRTCP reads RTCP for a sender so its interceptors keep running.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack consumes inbound RTP for a remote track until it ends.
func drainTrack(t *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.Read(buf); err != nil {
			return
		}
	}
}
