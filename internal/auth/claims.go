package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims are the parts of the server-issued JWT the client cares about. The
// signature cannot be checked here; the server remains the authority.
type tokenClaims struct {
	Subject   string
	ExpiresAt time.Time
	Roles     []string
}

func parseClaims(token string) (tokenClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenClaims{}, fmt.Errorf("parsing token claims: %w", err)
	}

	var out tokenClaims
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return tokenClaims{}, fmt.Errorf("parsing token expiry: %w", err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}
	for _, key := range []string{"roles", "authorities"} {
		if roles := stringList(claims[key]); len(roles) > 0 {
			out.Roles = roles
			break
		}
	}
	return out, nil
}

// stringList accepts a JSON array of strings, an array of {"authority": ...} objects
// or a comma separated string.
func stringList(v any) []string {
	switch vv := v.(type) {
	case string:
		var out []string
		for _, s := range strings.Split(vv, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range vv {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if s, ok := it["authority"].(string); ok {
					out = append(out, s)
				}
			}
		}
		return out
	default:
		return nil
	}
}
