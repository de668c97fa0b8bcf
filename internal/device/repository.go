package device

// Repository is the durable-storage adapter boundary. Implementations
// own their retry and conflict-resolution behaviour; the engine only
// requires that a failed upsert is safely retryable with a fresher
// snapshot and that concurrent upserts of one key converge latest-wins.
type Repository interface {
	// Upsert persists a snapshot under its document key.
	Upsert(key string, snap *Snapshot) error

	// FetchAll loads every persisted snapshot for hydration.
	FetchAll() ([]Snapshot, error)

	// DeleteAll removes every snapshot (administrative reset).
	DeleteAll() error

	// Close releases the underlying storage.
	Close() error
}
