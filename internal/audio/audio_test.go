package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestMulawRoundTripWithinQuantization(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	decoded := DecodeMulaw(EncodeMulaw(pcm))
	if len(decoded) != len(pcm) {
		t.Fatalf("decoded len = %d, want %d", len(decoded), len(pcm))
	}
	for i, want := range samples {
		got := int16(binary.LittleEndian.Uint16(decoded[i*2:]))
		diff := int(got) - int(want)
		if diff < 0 {
			diff = -diff
		}
		// μ-law step size grows with magnitude; 1/16 of the value plus the
		// smallest step bounds the error.
		limit := int(abs16(want))/16 + 8
		if diff > limit {
			t.Fatalf("sample %d: got %d, want %d (+/-%d)", i, got, want, limit)
		}
	}
}

func TestMulawSilence(t *testing.T) {
	enc := EncodeMulaw([]byte{0, 0})
	if len(enc) != 1 || enc[0] != 0xFF {
		t.Fatalf("EncodeMulaw(silence) = %x, want ff", enc)
	}
	if got := DecodeMulaw([]byte{0xFF}); !bytes.Equal(got, []byte{0, 0}) {
		t.Fatalf("DecodeMulaw(0xff) = %x, want 0000", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 0xFF, 0x7F}
	wav, err := EncodeWAVPCM16LE(pcm, 8000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav len = %d, want %d", len(wav), 44+len(pcm))
	}

	clip, err := ReadWAV(bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("ReadWAV() error = %v", err)
	}
	if clip.SampleRate != 8000 {
		t.Fatalf("SampleRate = %d, want 8000", clip.SampleRate)
	}
	if !bytes.Equal(clip.PCM, pcm) {
		t.Fatalf("PCM = %x, want %x", clip.PCM, pcm)
	}
}

func TestReadWAVRejectsNonPCM(t *testing.T) {
	wav, _ := EncodeWAVPCM16LE([]byte{0, 0}, 8000)
	// Flip the audio format field to 3 (IEEE float).
	binary.LittleEndian.PutUint16(wav[20:], 3)
	if _, err := ReadWAV(bytes.NewReader(wav)); !errors.Is(err, ErrUnsupportedWAV) {
		t.Fatalf("ReadWAV() error = %v, want ErrUnsupportedWAV", err)
	}
	if _, err := ReadWAV(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Fatalf("ReadWAV() error = nil for garbage")
	}
}

func TestResampleHalvesLength(t *testing.T) {
	pcm := make([]byte, 320)
	out := Resample(pcm, 16000, 8000)
	if len(out) != 160 {
		t.Fatalf("len = %d, want 160", len(out))
	}
	if got := Resample(pcm, 8000, 8000); len(got) != len(pcm) {
		t.Fatalf("same-rate resample changed length")
	}
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}
