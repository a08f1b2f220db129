package window

import "encoding/binary"

const (
	wavHeaderSize  = 44
	wavFormatPCM   = 1
	bytesPerSample = 2 // 16-bit PCM
)

// writeWAVHeader writes a 44-byte canonical RIFF/WAVE header for 16-bit
// little-endian PCM audio with the given sample rate, channel count, and
// payload size in bytes.
func writeWAVHeader(buf []byte, sampleRate, channels int, dataSize uint32) {
	if len(buf) < wavHeaderSize {
		panic("window: buffer too small for wav header")
	}

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], wavHeaderSize-8+dataSize)
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	byteRate := sampleRate * channels * bytesPerSample
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	blockAlign := channels * bytesPerSample
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
}

// buildWAV wraps raw PCM payload bytes in a fresh 44-byte WAV header,
// synthesized from the known sample rate and channel count. Used to frame
// outgoing windows.
func buildWAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	writeWAVHeader(out, sampleRate, channels, uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)
	return out
}

// hasWAVHeader reports whether buf begins with the RIFF/WAVE magic,
// i.e. whether it still needs stripping before being treated as raw PCM.
func hasWAVHeader(buf []byte) bool {
	return len(buf) >= 12 && string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "WAVE"
}

// stripWAVHeader returns the data sub-chunk payload of buf if it has a
// well-formed canonical 44-byte header, else returns buf unchanged assuming
// it is already raw PCM (e.g. a decoder restart lost the header).
func stripWAVHeader(buf []byte) []byte {
	if !hasWAVHeader(buf) || len(buf) < wavHeaderSize {
		return buf
	}
	if string(buf[12:16]) != "fmt " || string(buf[36:40]) != "data" {
		return buf
	}
	return buf[wavHeaderSize:]
}

// StripLeadingWAVHeader strips a canonical 44-byte WAV header from the
// first chunk of a freshly (re)started decoder's output, if present. Chunks
// after the first never carry a header and are returned unchanged.
func StripLeadingWAVHeader(buf []byte) []byte {
	return stripWAVHeader(buf)
}
