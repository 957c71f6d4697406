// Package audio validates uploaded bytes before a task is created.
package audio

import (
	"bytes"
	"fmt"
)

// Probe decides whether uploaded bytes look like decodable audio. The
// submission path rejects the upload with InvalidAudio when Probe errors;
// no task is created and nothing reaches the decoder.
type Probe interface {
	Probe(head []byte, contentType string) error
}

// SniffProbe checks the declared content type and well-known container
// signatures. It deliberately stays shallow: the decoder is the final
// authority on whether the audio decodes.
type SniffProbe struct{}

// headerSignatures maps magic bytes at offset 0 to the container they
// identify. MP4/M4A ("ftyp") sits at offset 4 and is handled separately.
var headerSignatures = map[string][]byte{
	"riff/wav": []byte("RIFF"),
	"ogg":      []byte("OggS"),
	"flac":     []byte("fLaC"),
	"id3/mp3":  []byte("ID3"),
}

func (SniffProbe) Probe(head []byte, contentType string) error {
	if len(head) < 8 {
		return fmt.Errorf("audio: file too short to be audio (%d bytes)", len(head))
	}

	for _, sig := range headerSignatures {
		if bytes.HasPrefix(head, sig) {
			return nil
		}
	}
	// MP4 family: size prefix then "ftyp".
	if bytes.Equal(head[4:8], []byte("ftyp")) {
		return nil
	}
	// Raw MPEG audio frame sync (0xFFEx/0xFFFx).
	if head[0] == 0xff && head[1]&0xe0 == 0xe0 {
		return nil
	}
	// WebM/Matroska EBML header.
	if bytes.HasPrefix(head, []byte{0x1a, 0x45, 0xdf, 0xa3}) {
		return nil
	}

	// The declared content type is not trusted on its own: a text file
	// claiming audio/* must still be rejected here.
	return fmt.Errorf("audio: unrecognized audio data (content type %q)", contentType)
}
