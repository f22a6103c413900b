package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ocrbase/ocrbase/internal/common"
)

// KeyResolver maps a bearer credential to a tenant.
type KeyResolver interface {
	Resolve(ctx context.Context, key string) (tenantID string, err error)
}

// StaticKeys is the config-driven resolver: a fixed key -> tenant map.
type StaticKeys map[string]string

func (k StaticKeys) Resolve(_ context.Context, key string) (string, error) {
	tenant, ok := k[key]
	if !ok {
		return "", common.Fatal("UNAUTHORIZED", "unknown api key", nil)
	}
	return tenant, nil
}

// ParseStaticKeys parses "key:tenant,key2:tenant2" from config.
func ParseStaticKeys(s string) StaticKeys {
	out := StaticKeys{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if idx := strings.IndexByte(pair, ':'); idx > 0 {
			out[pair[:idx]] = pair[idx+1:]
		}
	}
	return out
}

// CredentialFromRequest extracts the bearer credential from the
// Authorization header, the api_key query parameter, or the session cookie.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	if k := r.URL.Query().Get("api_key"); k != "" {
		return k
	}
	if c, err := r.Cookie("ocrbase_session"); err == nil {
		return c.Value
	}
	return ""
}

const ctxTenantKey = "tenant_id"

// AuthMiddleware resolves the caller's tenant or aborts with 401.
func AuthMiddleware(resolver KeyResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := CredentialFromRequest(c.Request)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		tenant, err := resolver.Resolve(c.Request.Context(), key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.Set(ctxTenantKey, tenant)
		c.Request = c.Request.WithContext(common.WithTenantID(c.Request.Context(), tenant))
		c.Next()
	}
}

// TenantFromGin returns the tenant resolved by AuthMiddleware.
func TenantFromGin(c *gin.Context) string {
	return c.GetString(ctxTenantKey)
}
