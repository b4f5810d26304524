// Package registry persists store records and implements the optimistic
// conditional update every lifecycle transition rides on.
package registry

import (
	"time"

	"github.com/storeplane/storeplane/pkg/lifecycle"
)

// Engine is the e-commerce platform variant a store runs.
type Engine string

const (
	EngineWooCommerce Engine = "woocommerce"
	EngineMedusa      Engine = "medusa"
)

// IsValid reports whether e names a supported engine.
func (e Engine) IsValid() bool {
	return e == EngineWooCommerce || e == EngineMedusa
}

// Theme is a WooCommerce storefront theme. Medusa stores carry no theme.
type Theme string

const (
	ThemeStorefront Theme = "storefront"
	ThemeAstra      Theme = "astra"
)

// IsValid reports whether t names a supported theme.
func (t Theme) IsValid() bool {
	return t == ThemeStorefront || t == ThemeAstra
}

// AdminURLSuffix is the engine-specific admin path appended to the storefront
// URL.
func (e Engine) AdminURLSuffix() string {
	if e == EngineWooCommerce {
		return "/wp-admin"
	}
	return "/admin"
}

// Store is the central control plane entity. Namespace and HelmRelease always
// equal ID by construction.
type Store struct {
	ID            string           `db:"id" json:"id"`
	Name          string           `db:"name" json:"name"`
	Engine        Engine           `db:"engine" json:"engine"`
	Theme         *Theme           `db:"theme" json:"theme,omitempty"`
	Status        lifecycle.Status `db:"status" json:"status"`
	OwnerID       string           `db:"owner_id" json:"ownerId"`
	Namespace     string           `db:"namespace" json:"namespace"`
	HelmRelease   string           `db:"helm_release" json:"releaseName"`
	StorefrontURL *string          `db:"storefront_url" json:"storefrontUrl,omitempty"`
	AdminURL      *string          `db:"admin_url" json:"adminUrl,omitempty"`

	AdminEmail    *string `db:"admin_email" json:"-"`
	AdminUsername *string `db:"admin_username" json:"-"`
	AdminPassword *string `db:"admin_password" json:"-"`

	FailureReason *string `db:"failure_reason" json:"failureReason,omitempty"`
	RetryCount    int     `db:"retry_count" json:"retryCount"`

	ProvisioningStartedAt   *time.Time `db:"provisioning_started_at" json:"provisioningStartedAt,omitempty"`
	ProvisioningCompletedAt *time.Time `db:"provisioning_completed_at" json:"provisioningCompletedAt,omitempty"`
	ProvisioningDurationMS  *int64     `db:"provisioning_duration_ms" json:"provisioningDurationMs,omitempty"`

	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time  `db:"updated_at" json:"updatedAt"`
	DeletedAt *time.Time `db:"deleted_at" json:"deletedAt,omitempty"`
}

// Update carries the mutable fields of a store row. Nil pointers leave the
// column untouched.
type Update struct {
	Status                  *lifecycle.Status
	StorefrontURL           *string
	AdminURL                *string
	AdminEmail              *string
	AdminUsername           *string
	AdminPassword           *string
	FailureReason           *string
	ClearFailureReason      bool
	RetryCount              *int
	ProvisioningStartedAt   *time.Time
	ClearProvisioningTimes  bool
	ProvisioningCompletedAt *time.Time
	ProvisioningDurationMS  *int64
	DeletedAt               *time.Time
}

// ListFilter narrows List queries. Deleted stores are excluded unless Status
// explicitly asks for them.
type ListFilter struct {
	OwnerID string
	Status  lifecycle.Status
	Engine  Engine
	Limit   int
	Offset  int
}
