package rediskey

import "fmt"

// Key namespaces shared by every careledger replica.
const (
	LockPrefix = "careledger:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLockKey returns "careledger:lock:{key}"
func BuildLockKey(key string) string {
	return NamespaceKey(LockPrefix, key)
}
