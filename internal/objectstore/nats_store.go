// Package objectstore persists voiceover artifacts in a NATS JetStream object store.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/tts/ttsutils"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	artifactBaseName = "audio"
	metaMediaType    = "media-type"
	metaRole         = "role"
	roleCombined     = "combined"
	roleChunk        = "chunk"
)

// NatsObjectStore stores blobs and artifacts in a JetStream object store bucket.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsObjectStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Voiceover audio for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Download retrieves an object from the NATS object store.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("download of '%s' cancelled: %w", key, ctxErr)
	}

	obj, err := n.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, n.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload saves an object to the NATS object store.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	return n.put(ctx, key, data, nil)
}

// SaveArtifact writes the combined audio and every chunk under prefix. Keys look like
// "<prefix>/audio.mp3" and "<prefix>/audio_chunk_0001.mp3".
func (n *NatsObjectStore) SaveArtifact(ctx context.Context, prefix string, artifact core.Artifact) (core.ArtifactRef, error) {
	mediaType := artifact.Combined.MediaType
	if mediaType == "" {
		mediaType = core.DefaultMediaType
	}

	ext := ttsutils.ExtensionFor(mediaType)
	base := prefix + "/" + artifactBaseName

	ref := core.ArtifactRef{
		CombinedKey: base + ext,
		ChunkKeys:   make([]string, 0, len(artifact.Chunks)),
		MediaType:   mediaType,
		Size:        len(artifact.Combined.Data),
	}

	err := n.put(ctx, ref.CombinedKey, artifact.Combined.Data, map[string]string{
		metaMediaType: mediaType,
		metaRole:      roleCombined,
	})
	if err != nil {
		return core.ArtifactRef{}, core.NewStorageError("save combined audio", err)
	}

	for index, chunk := range artifact.Chunks {
		key := ttsutils.ChunkFilename(base, index+1, ext)

		putErr := n.put(ctx, key, chunk.Data, map[string]string{
			metaMediaType: mediaType,
			metaRole:      roleChunk,
		})
		if putErr != nil {
			n.deleteKeys(append(ref.ChunkKeys, ref.CombinedKey))

			return core.ArtifactRef{}, core.NewStorageError(fmt.Sprintf("save chunk %d", index+1), putErr)
		}

		ref.ChunkKeys = append(ref.ChunkKeys, key)
	}

	return ref, nil
}

// DeleteArtifact removes every object referenced by ref. Missing objects are ignored.
func (n *NatsObjectStore) DeleteArtifact(_ context.Context, ref core.ArtifactRef) error {
	keys := append([]string{ref.CombinedKey}, ref.ChunkKeys...)

	var errs []error

	for _, key := range keys {
		if key == "" {
			continue
		}

		err := n.store.Delete(key)
		if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete object '%s': %w", key, err))
		}
	}

	return errors.Join(errs...)
}

func (n *NatsObjectStore) put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("upload of '%s' cancelled: %w", key, ctxErr)
	}

	_, err := n.store.Put(&nats.ObjectMeta{
		Name:     key,
		Metadata: metadata,
	}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

func (n *NatsObjectStore) deleteKeys(keys []string) {
	for _, key := range keys {
		_ = n.store.Delete(key)
	}
}
