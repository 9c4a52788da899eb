package storage

// StorageType represents the type of storage backend.
type StorageType string

const (
	StorageTypeMemory   StorageType = "memory"
	StorageTypePostgres StorageType = "postgres"
	StorageTypeMySQL    StorageType = "mysql"
)

// SupportedTypes returns the storage types the service can be configured
// with.
func SupportedTypes() []StorageType {
	return []StorageType{StorageTypePostgres, StorageTypeMySQL, StorageTypeMemory}
}

// IsSupported returns true if the storage type is supported.
func IsSupported(storageType string) bool {
	switch StorageType(storageType) {
	case StorageTypeMemory, StorageTypePostgres, StorageTypeMySQL:
		return true
	}
	return false
}
