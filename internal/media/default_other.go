//go:build !mediadevices

package media

import (
	"github.com/rs/zerolog"
)

// DefaultCapturer returns the synthetic capturer. Build with the
// mediadevices tag to capture from real camera and microphone drivers.
func DefaultCapturer(log zerolog.Logger) Capturer {
	log.Info().Msg("built without mediadevices, using synthetic audio source")
	return &SyntheticCapturer{}
}
