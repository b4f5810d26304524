package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/auth"
	"github.com/storeplane/storeplane/pkg/registry"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	RequestID string       `json:"requestId"`
	Error     errorDetails `json:"error"`
}

type errorDetails struct {
	Code       apierror.Code  `json:"code"`
	Message    string         `json:"message"`
	Suggestion string         `json:"suggestion,omitempty"`
	Retryable  bool           `json:"retryable"`
	RetryAfter int            `json:"retryAfterSeconds,omitempty"`
	Details    any            `json:"details,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError shapes any error into the envelope. Unknown errors are logged
// and surfaced as INTERNAL_ERROR with a safe message.
func writeError(w http.ResponseWriter, r *http.Request, log logr.Logger, err error) {
	requestID := RequestIDFrom(r.Context())

	apiErr, ok := apierror.As(err)
	if !ok {
		log.Error(err, "unhandled error", "requestId", requestID, "path", r.URL.Path)
		apiErr = apierror.New(apierror.CodeInternal, "an internal error occurred")
	}

	body := errorBody{
		RequestID: requestID,
		Error: errorDetails{
			Code:       apiErr.Code,
			Message:    apiErr.Message,
			Suggestion: apiErr.Suggestion,
			Retryable:  apiErr.Retryable,
			RetryAfter: apiErr.RetryAfter,
			Details:    apiErr.Details,
			Metadata:   apiErr.Metadata,
		},
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	writeJSON(w, apiErr.HTTPStatus(), body)
}

// storeURLs is the nested url block of a store response.
type storeURLs struct {
	Storefront *string `json:"storefront"`
	Admin      *string `json:"admin"`
}

// adminCredentials is only populated for the credential owner.
type adminCredentials struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// storeView is the external representation of a store.
type storeView struct {
	ID                     string            `json:"id"`
	Name                   string            `json:"name"`
	Engine                 registry.Engine   `json:"engine"`
	Theme                  *registry.Theme   `json:"theme"`
	Status                 string            `json:"status"`
	OwnerID                string            `json:"ownerId"`
	Namespace              string            `json:"namespace"`
	URLs                   storeURLs         `json:"urls"`
	AdminCredentials       *adminCredentials `json:"adminCredentials"`
	IsCredentialOwner      bool              `json:"isCredentialOwner"`
	FailureReason          *string           `json:"failureReason"`
	RetryCount             int               `json:"retryCount"`
	ProvisioningDurationMS *int64            `json:"provisioningDurationMs"`
	CreatedAt              string            `json:"createdAt"`
	UpdatedAt              string            `json:"updatedAt"`
}

// viewStore shapes a store for the given identity. Credentials are returned
// in plaintext only to the owner; everyone else sees them masked.
func viewStore(store *registry.Store, identity *auth.Identity) storeView {
	isOwner := identity != nil && identity.ID == store.OwnerID
	view := storeView{
		ID:        store.ID,
		Name:      store.Name,
		Engine:    store.Engine,
		Theme:     store.Theme,
		Status:    string(store.Status),
		OwnerID:   store.OwnerID,
		Namespace: store.Namespace,
		URLs: storeURLs{
			Storefront: store.StorefrontURL,
			Admin:      store.AdminURL,
		},
		IsCredentialOwner:      isOwner,
		FailureReason:          store.FailureReason,
		RetryCount:             store.RetryCount,
		ProvisioningDurationMS: store.ProvisioningDurationMS,
		CreatedAt:              store.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:              store.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if store.AdminUsername == nil && store.AdminPassword == nil {
		return view
	}
	creds := &adminCredentials{}
	if store.AdminEmail != nil {
		creds.Email = *store.AdminEmail
	}
	if store.AdminUsername != nil {
		creds.Username = *store.AdminUsername
	}
	if isOwner {
		if store.AdminPassword != nil {
			creds.Password = *store.AdminPassword
		}
	} else {
		creds.Password = "********"
		creds.Email = maskEmail(creds.Email)
	}
	view.AdminCredentials = creds
	return view
}

// maskEmail keeps the first character and the domain.
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
