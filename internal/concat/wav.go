package concat

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

// WAVJoiner concatenates canonical PCM WAV payloads locally. It only handles
// the "wav" format and requires every payload to share the first one's fmt
// chunk.
type WAVJoiner struct{}

func (WAVJoiner) Join(_ context.Context, payloads [][]byte, format string) ([]byte, error) {
	if format != "" && format != "wav" {
		return nil, fmt.Errorf("wav joiner cannot produce %q", format)
	}
	if len(payloads) == 0 {
		return nil, errors.New("no payloads")
	}

	header := payloads[0]
	if err := checkWAV(header); err != nil {
		return nil, fmt.Errorf("payload 0: %w", err)
	}

	var body bytes.Buffer
	for i, p := range payloads {
		if err := checkWAV(p); err != nil {
			return nil, fmt.Errorf("payload %d: %w", i, err)
		}
		if !bytes.Equal(p[12:36], header[12:36]) {
			return nil, fmt.Errorf("payload %d: mismatched wav format", i)
		}
		body.Write(p[wavHeaderSize:])
	}

	out := make([]byte, wavHeaderSize, wavHeaderSize+body.Len())
	copy(out, header[:wavHeaderSize])
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+body.Len()))
	binary.LittleEndian.PutUint32(out[40:44], uint32(body.Len()))
	return append(out, body.Bytes()...), nil
}

func checkWAV(p []byte) error {
	if len(p) < wavHeaderSize || string(p[0:4]) != "RIFF" || string(p[8:12]) != "WAVE" || string(p[36:40]) != "data" {
		return errors.New("not a canonical wav file")
	}
	return nil
}
