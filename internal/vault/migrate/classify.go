package migrate

import (
	"strings"

	"github.com/govportal/fieldsync/internal/vault/store"
)

const (
	// CompletedKey marks a finished migration in the legacy store.
	CompletedKey = "migration_completed"

	// InProgressKey is present while a migration runs.
	InProgressKey = "migration_in_progress"

	devicePrefix = "fieldsync_device_"
)

// PreservedKeys are never migrated or deleted from the legacy store.
var PreservedKeys = []string{
	"device_secret",
	"device_salt",
	"theme",
	"locale",
	"auth_token",
	CompletedKey,
}

type rule struct {
	pattern   string
	partition store.Partition
}

// Substring rules, matched case-insensitively in order.
var rules = []rule{
	{"operation_queue", store.Operations},
	{"pending_operations", store.Operations},
	{"offline_queue", store.Operations},
	{"last_sync_time", store.Metadata},
	{"sync_session", store.Metadata},
	{"sync_metadata", store.Metadata},
	{"retry_attempts", store.RetryState},
	{"failed_operations", store.RetryState},
	{"conflict_data", store.Conflicts},
}

// IsPreserved reports whether key stays in the legacy store.
func IsPreserved(key string) bool {
	if key == InProgressKey {
		return true
	}
	for _, k := range PreservedKeys {
		if key == k {
			return true
		}
	}
	return false
}

// Classify returns the partition a legacy key migrates into. The boolean
// is false for preserved and unrecognized keys.
func Classify(key string) (store.Partition, bool) {
	if IsPreserved(key) {
		return 0, false
	}

	lower := strings.ToLower(key)
	for _, r := range rules {
		if strings.Contains(lower, r.pattern) {
			return r.partition, true
		}
	}
	if strings.HasPrefix(lower, devicePrefix) {
		return store.Metadata, true
	}
	return 0, false
}
