package agent

import "bytes"

// Workers frame each structured result between these markers on stdout.
// Marker pairs repeat; anything outside a pair is diagnostic output.
const (
	StartMarker = "===NANOCLAW_OUTPUT_START==="
	EndMarker   = "===NANOCLAW_OUTPUT_END==="
)

// chunkScanner extracts marker-delimited payloads from a stream regardless
// of how the OS chunks it. It is a two-state machine: seeking a start
// marker, then seeking the matching end marker; anything else means more
// data is needed. A chunk whose payload exceeds max before its end marker
// arrives is abandoned, so a worker that opens a chunk and never closes it
// cannot grow the buffer without bound.
type chunkScanner struct {
	buf       []byte
	inChunk   bool
	max       int // in-chunk payload cap; 0 means unbounded
	overflows int // chunks abandoned for exceeding max
}

// feed appends stream bytes and returns every complete payload found, in
// order. Partial markers and partial payloads are retained for the next
// call.
func (s *chunkScanner) feed(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var chunks [][]byte
	start := []byte(StartMarker)
	end := []byte(EndMarker)

	for {
		if !s.inChunk {
			idx := bytes.Index(s.buf, start)
			if idx < 0 {
				// Keep only a tail that could be a split start marker;
				// bytes outside pairs carry no data.
				if keep := len(start) - 1; len(s.buf) > keep {
					s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
				}
				return chunks
			}
			s.buf = s.buf[idx+len(start):]
			s.inChunk = true
		}

		idx := bytes.Index(s.buf, end)
		if idx < 0 {
			if s.max > 0 && len(s.buf) > s.max {
				// Oversized chunk: drop it and go back to seeking a
				// start marker.
				s.overflows++
				s.inChunk = false
				if keep := len(start) - 1; len(s.buf) > keep {
					s.buf = append(s.buf[:0], s.buf[len(s.buf)-keep:]...)
				}
				continue
			}
			return chunks // need more data
		}
		payload := bytes.TrimSpace(s.buf[:idx])
		chunk := make([]byte, len(payload))
		copy(chunk, payload)
		chunks = append(chunks, chunk)
		s.buf = s.buf[idx+len(end):]
		s.inChunk = false
	}
}
