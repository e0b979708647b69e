package media

import "encoding/binary"

// EncodePCM16LE packs samples as little-endian 16-bit PCM.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16LE unpacks little-endian 16-bit PCM. A trailing odd byte is ignored.
func DecodePCM16LE(raw []byte) []int16 {
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return out
}

// Tapper is implemented by audio tracks that can stream what is written to them.
type Tapper interface {
	Tap(buffer int) (<-chan []int16, func())
}

// TapAudio taps the first audio track of h. ok is false when h has no
// tappable audio.
func TapAudio(h *Handle, buffer int) (ch <-chan []int16, cancel func(), ok bool) {
	if h == nil {
		return nil, nil, false
	}
	t, ok := h.Audio().(Tapper)
	if !ok {
		return nil, nil, false
	}
	ch, cancel = t.Tap(buffer)
	return ch, cancel, true
}
