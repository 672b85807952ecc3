package i18n

import "net/http"

// CookieName holds a user's explicit language choice.
const CookieName = "lang"

// Middleware resolves the request language and injects a matching localizer.
// A ?lang= query parameter wins and is remembered in a cookie; otherwise the
// cookie, then Accept-Language, then the default language apply.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var prefs []string
		if q := r.URL.Query().Get("lang"); q != "" {
			lang := Match(q)
			http.SetCookie(w, &http.Cookie{
				Name:     CookieName,
				Value:    lang,
				Path:     "/",
				MaxAge:   365 * 24 * 3600,
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
			prefs = append(prefs, lang)
		}
		if c, err := r.Cookie(CookieName); err == nil {
			prefs = append(prefs, c.Value)
		}
		prefs = append(prefs, r.Header.Get("Accept-Language"))

		ctx := WithLang(r.Context(), Match(prefs...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
