package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

// PeerConnection is the part of *webrtc.PeerConnection a Handle drives.
type PeerConnection interface {
	AddTrack(track pion.TrackLocal) (*pion.RTPSender, error)
	AddTransceiverFromKind(kind pion.RTPCodecType, init ...pion.RTPTransceiverInit) (*pion.RTPTransceiver, error)
	CreateOffer(options *pion.OfferOptions) (pion.SessionDescription, error)
	CreateAnswer(options *pion.AnswerOptions) (pion.SessionDescription, error)
	SetLocalDescription(desc pion.SessionDescription) error
	SetRemoteDescription(desc pion.SessionDescription) error
	LocalDescription() *pion.SessionDescription
	RemoteDescription() *pion.SessionDescription
	SignalingState() pion.SignalingState
	AddICECandidate(candidate pion.ICECandidateInit) error
	OnICECandidate(f func(*pion.ICECandidate))
	OnConnectionStateChange(f func(pion.PeerConnectionState))
	OnTrack(f func(*pion.TrackRemote, *pion.RTPReceiver))
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// Factory builds a fresh PeerConnection for each handle.
type Factory func() (PeerConnection, error)

// PeerConfig describes how peer connections are built.
type PeerConfig struct {
	ICEServers    []string
	ICEUsername   string
	ICECredential string

	// RegisterCodecs replaces the default codec set, e.g. with the
	// encoders of a device capturer. Nil registers pion's defaults.
	RegisterCodecs func(m *pion.MediaEngine) error
}

// NewFactory builds one pion API (codecs, NACK, RTCP reports, ICE timeouts)
// and returns a Factory that creates peer connections from it.
func NewFactory(cfg PeerConfig) (Factory, error) {
	m := &pion.MediaEngine{}
	register := cfg.RegisterCodecs
	if register == nil {
		register = func(m *pion.MediaEngine) error { return m.RegisterDefaultCodecs() }
	}
	if err := register(m); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(responderFactory)
	i.Add(generatorFactory)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	m.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)

	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, url := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{url},
			Username:   cfg.ICEUsername,
			Credential: cfg.ICECredential,
		})
	}

	config := pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		return pc, nil
	}, nil
}
