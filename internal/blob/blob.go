package blob

import (
	"context"
	"fmt"
	"time"
)

// Store is opaque byte storage for uploaded originals, addressed by key.
type Store interface {
	Put(ctx context.Context, key string, data []byte, mime string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// PresignPut returns a short-lived URL a caller can PUT the object to.
	PresignPut(ctx context.Context, key string, mime string, ttl time.Duration) (string, error)
}

// ObjectKey is the canonical layout for job originals.
func ObjectKey(tenantID, jobID, fileName string) string {
	return fmt.Sprintf("%s/jobs/%s/%s", tenantID, jobID, fileName)
}
