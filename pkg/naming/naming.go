// Package naming generates store and request identifiers and derives the
// cluster-facing names (namespace, helm release) and URLs from them.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	storeIDPrefix   = "store-"
	requestIDPrefix = "req_"
)

var (
	storeIDPattern   = regexp.MustCompile(`^store-[0-9a-f]{8}$`)
	storeNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

	// reservedNames can never be used as tenant-facing store names. They either
	// collide with infrastructure namespaces or are plain abuse.
	reservedNames = map[string]struct{}{
		"admin": {}, "api": {}, "app": {}, "dashboard": {}, "default": {},
		"kube-system": {}, "kube-public": {}, "kube-node-lease": {},
		"root": {}, "store": {}, "system": {}, "test": {}, "www": {},
	}
)

// NewStoreID returns a fresh identifier of the form store-xxxxxxxx where the
// suffix is 4 cryptographically random bytes hex-encoded. The identifier is a
// valid DNS label and is used verbatim as namespace and release name.
func NewStoreID() string {
	return storeIDPrefix + randomHex(4)
}

// NewRequestID returns a correlation identifier of the form req_xxxxxxxxxxxx.
func NewRequestID() string {
	return requestIDPrefix + randomHex(6)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does, the
		// process cannot safely mint identifiers.
		panic(fmt.Sprintf("naming: reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}

// IsStoreID reports whether s is a well-formed store identifier.
func IsStoreID(s string) bool {
	return storeIDPattern.MatchString(s)
}

// StoreIDToNamespace derives the namespace for a store. The namespace is the
// store id verbatim.
func StoreIDToNamespace(storeID string) string { return storeID }

// StoreIDToHelmRelease derives the helm release name for a store. The release
// name is the store id verbatim.
func StoreIDToHelmRelease(storeID string) string { return storeID }

// ValidateStoreName validates a tenant-chosen store name: DNS-safe, 3-63
// characters, lowercase alphanumeric with single hyphens, not reserved.
func ValidateStoreName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return fmt.Errorf("store name must be between 3 and 63 characters")
	}
	if !storeNamePattern.MatchString(name) {
		return fmt.Errorf("store name must start and end with a lowercase letter or digit and contain only lowercase letters, digits and hyphens")
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("store name must not contain consecutive hyphens")
	}
	if _, reserved := reservedNames[name]; reserved {
		return fmt.Errorf("store name %q is reserved", name)
	}
	return nil
}

// BuildStoreURL computes the public storefront URL for a store:
// scheme + storeId + domainSuffix (+ ":" + port when set).
func BuildStoreURL(scheme, storeID, domainSuffix, port string) string {
	url := fmt.Sprintf("%s://%s%s", scheme, storeID, domainSuffix)
	if port != "" {
		url += ":" + port
	}
	return url
}
