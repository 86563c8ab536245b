// auth.go — middleware аутентификации и авторизации Folio.
// Подпись входящего JWT локально НЕ проверяется: единственный источник
// истины о правах — обмен токена на RPT в Keycloak (UMA ticket flow).
// Невалидный или просроченный токен отвергает сам Keycloak при обмене.
// Identity из claims — только декорация для логов и creator-полей.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/OpenUpSA/agari-folio/internal/api/errors"
	"github.com/OpenUpSA/agari-folio/internal/domain/scope"
	"github.com/OpenUpSA/agari-folio/internal/keycloak"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyIdentity — аутентифицированная identity в контексте запроса.
const ContextKeyIdentity contextKey = "identity"

// Identity — результат аутентификации запроса.
// Помещается в контекст запроса для downstream handlers.
type Identity struct {
	// Subject — sub из JWT (Keycloak user ID); пустой, если claims не разобраны.
	Subject string
	// Username — preferred_username из JWT; "unknown", если claims не разобраны.
	Username string
	// Email — email из JWT.
	Email string
	// Token — исходный Bearer token вызывающего (для downstream-вызовов).
	Token string
	// Scopes — нормализованные скоупы из RPT ("<resource>.<SCOPE>").
	Scopes scope.Set
	// Permissions — сырые permissions из RPT.
	Permissions []keycloak.Permission
}

// identityClaims — claims входящего JWT, используемые для декорации.
type identityClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
}

// Authenticator — middleware аутентификации через обмен RPT.
type Authenticator struct {
	kc *keycloak.Client
	// defaultResource — ресурс для неквалифицированных требуемых скоупов
	defaultResource string
	logger          *slog.Logger
}

// NewAuthenticator создаёт Authenticator.
// defaultResource — имя ресурса по умолчанию (FOLIO_RESOURCE_NAME).
func NewAuthenticator(kc *keycloak.Client, defaultResource string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		kc:              kc,
		defaultResource: defaultResource,
		logger:          logger.With(slog.String("component", "auth")),
	}
}

// Authenticate возвращает middleware аутентификации.
// Извлекает Bearer token, обменивает его на RPT в Keycloak, собирает
// нормализованные скоупы и помещает Identity в контекст. Пустой список
// permissions — валидная аутентификация без прав: отказ даёт
// RequireScopes, а не этот middleware.
func (a *Authenticator) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apierrors.Unauthorized(w, "No token provided")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			apierrors.Unauthorized(w, "No token provided")
			return
		}
		token := parts[1]

		permissions, err := a.kc.ExchangeRPT(r.Context(), token)
		if err != nil {
			// Любой сбой обмена — отказ в аутентификации. Недоступность
			// Keycloak для вызывающего неотличима от невалидного токена:
			// проверить права всё равно нечем.
			if errors.Is(err, keycloak.ErrTokenExchange) {
				a.logger.Debug("Обмен RPT отклонён",
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
			} else {
				a.logger.Error("Keycloak недоступен при обмене RPT",
					slog.String("error", err.Error()),
				)
			}
			apierrors.Unauthorized(w, "Invalid token")
			return
		}

		identity := a.buildIdentity(token, permissions)

		ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// buildIdentity собирает Identity из токена и permissions RPT.
// Claims разбираются без проверки подписи: сбой разбора не фатален,
// username в этом случае "unknown".
func (a *Authenticator) buildIdentity(token string, permissions []keycloak.Permission) *Identity {
	identity := &Identity{
		Username:    "unknown",
		Token:       token,
		Scopes:      scope.NewSet(),
		Permissions: permissions,
	}

	for _, p := range permissions {
		identity.Scopes.AddResource(p.Rsname, p.Scopes...)
	}

	claims := &identityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		a.logger.Warn("Claims токена не разобраны, identity обезличена",
			slog.String("error", err.Error()),
		)
		return identity
	}

	if claims.Subject != "" {
		identity.Subject = claims.Subject
	}
	if claims.PreferredUsername != "" {
		identity.Username = claims.PreferredUsername
	}
	identity.Email = claims.Email

	return identity
}

// RequireScopes возвращает middleware, требующий ВСЕ указанные скоупы.
// Неквалифицированный скоуп ("READ") дополняется ресурсом по умолчанию
// ("folio.READ"). Должен использоваться ПОСЛЕ Authenticate.
func (a *Authenticator) RequireScopes(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				apierrors.Unauthorized(w, "No token provided")
				return
			}

			missing := identity.Scopes.Missing(required, a.defaultResource)
			if len(missing) > 0 {
				a.logger.Info("Доступ отклонён: недостаточно скоупов",
					slog.String("username", identity.Username),
					slog.Any("missing", missing),
				)
				apierrors.Forbidden(w, "Insufficient permissions",
					missing, identity.Scopes.List(), formatPermissions(identity.Permissions))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// formatPermissions приводит сырые permissions RPT к строкам для 403.
func formatPermissions(permissions []keycloak.Permission) []string {
	result := make([]string, 0, len(permissions))
	for _, p := range permissions {
		result = append(result, fmt.Sprintf("%s: %s", p.Rsname, strings.Join(p.Scopes, ", ")))
	}
	return result
}

// --- Context helpers ---

// IdentityFromContext извлекает Identity из контекста запроса.
// Возвращает nil, если identity не найдена.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(ContextKeyIdentity).(*Identity)
	return identity
}

// UsernameFromContext извлекает username из контекста запроса.
// Возвращает пустую строку, если identity не найдена.
func UsernameFromContext(ctx context.Context) string {
	identity := IdentityFromContext(ctx)
	if identity == nil {
		return ""
	}
	return identity.Username
}

// TokenFromContext извлекает исходный Bearer token из контекста запроса.
func TokenFromContext(ctx context.Context) string {
	identity := IdentityFromContext(ctx)
	if identity == nil {
		return ""
	}
	return identity.Token
}
