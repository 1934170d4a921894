// Package assembler joins per-chunk audio into one artifact.
package assembler

import (
	"bytes"

	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/metrics"
)

// Combine concatenates blobs in order into a single artifact of the same media type.
// The per-chunk blobs are kept alongside the combined one. Blobs of differing media
// types are rejected since no transcoding is done.
func Combine(blobs []core.AudioBlob) (core.Artifact, error) {
	if len(blobs) == 0 {
		return core.Artifact{}, core.NewValidationError("no audio to assemble")
	}

	mediaType := mediaTypeOf(blobs[0])
	size := 0

	for index, blob := range blobs {
		if mediaTypeOf(blob) != mediaType {
			return core.Artifact{}, core.NewValidationError(
				"chunk %d has media type %s, expected %s", index+1, mediaTypeOf(blob), mediaType)
		}

		size += len(blob.Data)
	}

	var combined bytes.Buffer
	combined.Grow(size)

	chunks := make([]core.AudioBlob, len(blobs))

	for index, blob := range blobs {
		combined.Write(blob.Data)
		chunks[index] = core.AudioBlob{Data: blob.Data, MediaType: mediaType}
	}

	metrics.ArtifactBytes.Observe(float64(size))

	return core.Artifact{
		Combined: core.AudioBlob{Data: combined.Bytes(), MediaType: mediaType},
		Chunks:   chunks,
	}, nil
}

// CombinePartial assembles whatever chunks exist and marks the artifact partial.
// It returns false when there is nothing to assemble.
func CombinePartial(blobs []core.AudioBlob) (core.Artifact, bool) {
	artifact, err := Combine(blobs)
	if err != nil {
		return core.Artifact{}, false
	}

	artifact.Partial = true

	return artifact, true
}

func mediaTypeOf(blob core.AudioBlob) string {
	if blob.MediaType == "" {
		return core.DefaultMediaType
	}

	return blob.MediaType
}
