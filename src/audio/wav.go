package audio

import "encoding/binary"

// StripWAVIfPresent returns the contents of the first "data" chunk if
// b begins with a canonical RIFF/WAVE header; otherwise it returns b
// unchanged. It never errors — a malformed WAV header is treated as
// "not a WAV" rather than a failure, per the TTS streamer's contract
// of never blocking audio delivery on a parsing mistake.
func StripWAVIfPresent(b []byte) []byte {
	if len(b) < 12 {
		return b
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return b
	}

	pos := 12
	for pos+8 <= len(b) {
		chunkID := string(b[pos : pos+4])
		chunkSize := binary.LittleEndian.Uint32(b[pos+4 : pos+8])
		dataStart := pos + 8

		if chunkID == "data" {
			end := dataStart + int(chunkSize)
			if end > len(b) || chunkSize == 0 {
				end = len(b)
			}
			return b[dataStart:end]
		}

		next := dataStart + int(chunkSize)
		if chunkSize%2 == 1 {
			next++ // chunks are word-aligned
		}
		if next <= pos || next > len(b) {
			break
		}
		pos = next
	}

	return b
}
