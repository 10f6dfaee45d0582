package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrUnsupportedWAV = errors.New("audio: unsupported wav format")

// Clip is a mono PCM16LE buffer with its sample rate.
type Clip struct {
	PCM        []byte
	SampleRate int
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LETo(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}

	dataSize := uint32(len(pcm))
	w := bufio.NewWriter(out)
	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		uint32(sampleRate * numChannels * bitsPerSample / 8),
		uint16(numChannels * bitsPerSample / 8),
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, field := range header {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// ReadWAVFile loads a mono PCM16 WAV file.
func ReadWAVFile(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()
	return ReadWAV(f)
}

// ReadWAV parses a RIFF/WAVE stream holding mono PCM16 audio. Unknown chunks
// are skipped.
func ReadWAV(r io.Reader) (Clip, error) {
	var riff struct {
		ID     [4]byte
		Size   uint32
		Format [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return Clip{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return Clip{}, ErrUnsupportedWAV
	}

	var (
		clip    Clip
		haveFmt bool
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return Clip{}, fmt.Errorf("%w: missing data chunk", ErrUnsupportedWAV)
			}
			return Clip{}, err
		}
		switch string(chunk.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if chunk.Size < 16 {
				return Clip{}, ErrUnsupportedWAV
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return Clip{}, err
			}
			if f.AudioFormat != 1 || f.NumChannels != 1 || f.BitsPerSample != 16 {
				return Clip{}, fmt.Errorf("%w: format=%d channels=%d bits=%d",
					ErrUnsupportedWAV, f.AudioFormat, f.NumChannels, f.BitsPerSample)
			}
			clip.SampleRate = int(f.SampleRate)
			haveFmt = true
			if err := skip(r, int64(chunk.Size)-16); err != nil {
				return Clip{}, err
			}
		case "data":
			if !haveFmt {
				return Clip{}, fmt.Errorf("%w: data before fmt", ErrUnsupportedWAV)
			}
			clip.PCM = make([]byte, chunk.Size)
			if _, err := io.ReadFull(r, clip.PCM); err != nil {
				return Clip{}, fmt.Errorf("read data chunk: %w", err)
			}
			return clip, nil
		default:
			if err := skip(r, int64(chunk.Size)); err != nil {
				return Clip{}, err
			}
		}
		if chunk.Size%2 == 1 {
			if err := skip(r, 1); err != nil {
				return Clip{}, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

// Resample converts PCM16LE mono audio between sample rates with linear
// interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to || len(pcm) < 2 {
		return pcm
	}
	in := len(pcm) / 2
	outLen := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, outLen*2)
	for i := 0; i < outLen; i++ {
		pos := float64(i) * float64(from) / float64(to)
		idx := int(pos)
		frac := pos - float64(idx)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		b := a
		if idx+1 < in {
			b = float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(a+(b-a)*frac)))
	}
	return out
}
