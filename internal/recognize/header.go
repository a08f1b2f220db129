package recognize

import "encoding/binary"

const wavHeaderSize = 44

var supportedSampleRates = map[int]bool{
	8000: true, 16000: true, 22050: true, 32000: true, 44100: true, 48000: true,
}

// ValidateOrRepair implements the header-repair contract: it validates a
// WAV buffer's RIFF/WAVE header, PCM format tag, channel count, sample
// rate, and bit depth. If the header is missing but the payload size is
// plausible (even-byte-aligned, for 16-bit samples), it synthesizes a
// correct header from the expected sample rate and channel count. Returns
// InvalidAudio if the buffer cannot be made valid.
func ValidateOrRepair(wav []byte, sampleRate, channels int) ([]byte, *Error) {
	if !supportedSampleRates[sampleRate] {
		return nil, newError(KindInvalidAudio, "unsupported sample rate", nil)
	}
	if channels != 1 && channels != 2 {
		return nil, newError(KindInvalidAudio, "unsupported channel count", nil)
	}

	if looksLikeValidHeader(wav) {
		if err := validateHeaderFields(wav); err != nil {
			return nil, err
		}
		return wav, nil
	}

	// No recognizable header: treat the whole buffer as raw PCM and
	// synthesize one, provided the payload is plausible.
	if len(wav) == 0 || len(wav)%2 != 0 {
		return nil, newError(KindInvalidAudio, "payload not even-byte-aligned for 16-bit PCM", nil)
	}

	out := make([]byte, wavHeaderSize+len(wav))
	writeHeader(out, sampleRate, channels, uint32(len(wav)))
	copy(out[wavHeaderSize:], wav)
	return out, nil
}

func looksLikeValidHeader(buf []byte) bool {
	return len(buf) >= wavHeaderSize && string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "WAVE"
}

func validateHeaderFields(buf []byte) *Error {
	if string(buf[12:16]) != "fmt " {
		return newError(KindInvalidAudio, "missing fmt sub-chunk", nil)
	}
	formatTag := binary.LittleEndian.Uint16(buf[20:22])
	if formatTag != 1 {
		return newError(KindInvalidAudio, "not PCM format", nil)
	}
	channels := binary.LittleEndian.Uint16(buf[22:24])
	if channels != 1 && channels != 2 {
		return newError(KindInvalidAudio, "unsupported channel count in header", nil)
	}
	sampleRate := binary.LittleEndian.Uint32(buf[24:28])
	if !supportedSampleRates[int(sampleRate)] {
		return newError(KindInvalidAudio, "unsupported sample rate in header", nil)
	}
	bitsPerSample := binary.LittleEndian.Uint16(buf[34:36])
	if bitsPerSample != 16 {
		return newError(KindInvalidAudio, "unsupported bit depth", nil)
	}
	if string(buf[36:40]) != "data" {
		return newError(KindInvalidAudio, "missing data sub-chunk", nil)
	}
	return nil
}

func writeHeader(buf []byte, sampleRate, channels int, dataSize uint32) {
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], wavHeaderSize-8+dataSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	byteRate := sampleRate * channels * 2
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
}
