package naming

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestNewStoreID(t *testing.T) {
	g := NewWithT(t)

	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := NewStoreID()
		g.Expect(IsStoreID(id)).To(BeTrue(), "generated id %q should match the store id pattern", id)
		g.Expect(StoreIDToNamespace(id)).To(Equal(id))
		g.Expect(StoreIDToHelmRelease(id)).To(Equal(id))
		seen[id] = struct{}{}
	}
	g.Expect(seen).To(HaveLen(100), "ids should not collide in a small sample")
}

func TestNewRequestID(t *testing.T) {
	g := NewWithT(t)
	g.Expect(NewRequestID()).To(MatchRegexp(`^req_[0-9a-f]{12}$`))
}

func TestValidateStoreName(t *testing.T) {
	tests := []struct {
		name      string
		storeName string
		expectErr bool
	}{
		{
			name:      "When the name is a simple lowercase label, it should be accepted",
			storeName: "shop-a",
		},
		{
			name:      "When the name is shorter than 3 characters, it should be rejected",
			storeName: "ab",
			expectErr: true,
		},
		{
			name:      "When the name is longer than 63 characters, it should be rejected",
			storeName: "a123456789012345678901234567890123456789012345678901234567890123",
			expectErr: true,
		},
		{
			name:      "When the name starts with a hyphen, it should be rejected",
			storeName: "-shop",
			expectErr: true,
		},
		{
			name:      "When the name ends with a hyphen, it should be rejected",
			storeName: "shop-",
			expectErr: true,
		},
		{
			name:      "When the name contains consecutive hyphens, it should be rejected",
			storeName: "shop--a",
			expectErr: true,
		},
		{
			name:      "When the name contains uppercase characters, it should be rejected",
			storeName: "Shop",
			expectErr: true,
		},
		{
			name:      "When the name is reserved, it should be rejected",
			storeName: "admin",
			expectErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewWithT(t)
			err := ValidateStoreName(tc.storeName)
			if tc.expectErr {
				g.Expect(err).To(HaveOccurred())
			} else {
				g.Expect(err).NotTo(HaveOccurred())
			}
		})
	}
}

func TestBuildStoreURL(t *testing.T) {
	g := NewWithT(t)
	g.Expect(BuildStoreURL("http", "store-a1b2c3d4", ".localhost", "")).To(Equal("http://store-a1b2c3d4.localhost"))
	g.Expect(BuildStoreURL("https", "store-a1b2c3d4", ".shops.example.com", "8443")).To(Equal("https://store-a1b2c3d4.shops.example.com:8443"))
}
