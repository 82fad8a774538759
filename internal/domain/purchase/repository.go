package purchase

import "context"

// Repository persists purchase session records for audit and listing.
type Repository interface {
	Save(ctx context.Context, session *Session) error
	GetByKey(ctx context.Context, key string) (*Session, error)
	GetByTxHash(ctx context.Context, txHash string) (*Session, error)
	ListRecent(ctx context.Context, limit int) ([]*Session, error)
}
