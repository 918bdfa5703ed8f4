// Package identity carries the resolved caller identity through the
// request context. Session resolution itself happens upstream; the API
// trusts the identity header injected by the auth gateway.
package identity

import "github.com/gin-gonic/gin"

const (
	// HeaderUserID is set by the auth gateway after session resolution.
	HeaderUserID = "X-User-ID"

	userIDKey = "identity.user_id"

	// credentialKey holds the bearer token presented on worker routes.
	credentialKey = "identity.worker_credential"
)

// SetUserID stores the resolved user id on the request context.
func SetUserID(c *gin.Context, userID string) {
	c.Set(userIDKey, userID)
}

// UserID returns the resolved user id, empty when unauthenticated.
func UserID(c *gin.Context) string {
	v, ok := c.Get(userIDKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SetWorkerCredential stores the presented worker credential.
func SetWorkerCredential(c *gin.Context, cred string) {
	c.Set(credentialKey, cred)
}

// WorkerCredential returns the presented worker credential, empty when
// the Authorization header was missing or malformed.
func WorkerCredential(c *gin.Context) string {
	v, ok := c.Get(credentialKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
