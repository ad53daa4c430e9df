package cache

import (
	"context"
	"time"

	"github.com/cellsage/ai-engine/internal/crypto"
)

// EncryptedBackend seals payloads before they reach the underlying store and
// opens them on the way back. Payloads that fail to open are surfaced as
// undecodable entries, so the cache evicts them on read. Rotating the key
// therefore flushes old entries instead of breaking lookups.
type EncryptedBackend struct {
	inner Backend
	enc   *crypto.Encryptor
}

func NewEncryptedBackend(inner Backend, enc *crypto.Encryptor) *EncryptedBackend {
	return &EncryptedBackend{inner: inner, enc: enc}
}

func (b *EncryptedBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	sealed, ok, err := b.inner.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	payload, err := b.enc.Open(sealed)
	if err != nil {
		return nil, true, nil
	}
	return payload, true, nil
}

func (b *EncryptedBackend) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	sealed, err := b.enc.Seal(payload)
	if err != nil {
		return err
	}
	return b.inner.Set(ctx, key, sealed, ttl)
}

func (b *EncryptedBackend) Delete(ctx context.Context, key string) error {
	return b.inner.Delete(ctx, key)
}
