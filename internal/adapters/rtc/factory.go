// Package rtc implements the media interfaces on top of pion/webrtc.
package rtc

import (
	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// AudioLevelURI is the RFC 6464 client-to-mixer audio level header extension.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

type FactoryConfig struct {
	ICEServers []webrtc.ICEServer
	// Loopback includes 127.0.0.1 candidates; used for single-host tests.
	Loopback bool
}

// Factory allocates peer connections sharing one pion API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

var _ core.MediaConnectionFactory = (*Factory)(nil)

func NewFactory(cfg FactoryConfig) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	if cfg.Loopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}

	config := DefaultWebRTCConfig()
	if cfg.ICEServers != nil {
		config.ICEServers = cfg.ICEServers
	}
	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		config: config,
	}, nil
}

func (f *Factory) NewConnection(remote domain.UserID) (core.MediaConnection, error) {
	return newWebRTCConnection(f.api, f.config, remote)
}
