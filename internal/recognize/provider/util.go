package provider

import (
	"bytes"
	"io"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

// ingestSampleRate and ingestChannels mirror the fixed PCM format every
// decoded stream is normalized to before windowing (cmd/trackwatch's
// ingestSampleRate/ingestChannels); every window a provider ever receives
// was framed at this rate, so it's also what header validation/repair
// checks against.
const (
	ingestSampleRate = 44100
	ingestChannels   = 2
)

// validateWAV applies the header-repair contract (recognize.ValidateOrRepair)
// before a provider builds its outbound request, so a malformed or
// header-stripped window is rejected as InvalidAudio without ever reaching
// the network.
func validateWAV(wav []byte) ([]byte, *recognize.Error) {
	return recognize.ValidateOrRepair(wav, ingestSampleRate, ingestChannels)
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
