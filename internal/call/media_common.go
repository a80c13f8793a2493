package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServer is used when the configuration lists no ICE servers.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

func iceConfiguration(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{DefaultSTUNServer}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(video) error: %v", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL: AddTransceiver(audio) error: %v", err)
	}
}
