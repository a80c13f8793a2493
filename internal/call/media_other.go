//go:build !linux

package call

import (
	"context"
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a receive-only PeerConnection on non-Linux platforms.
// Camera/mic capture via pion/mediadevices requires platform-specific drivers
// (V4L2/malgo on Linux); elsewhere the session can still receive remote media.
func initMediaPC(_ context.Context, iceServers []string) (*webrtc.PeerConnection, func(), []Track, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(iceConfiguration(iceServers))
	if err != nil {
		return nil, nil, nil, err
	}

	// Add recvonly transceivers so SDP has valid m-lines with ICE credentials.
	addRecvOnlyTransceivers(pc)

	log.Printf("CALL: PeerConnection ready (receive-only, no local media on this platform)")
	return pc, nil, nil, nil
}
