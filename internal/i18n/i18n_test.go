package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return WithLang(context.Background(), lang)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "AppTitle"); got != "Cikgu" {
		t.Errorf("T(AppTitle) = %q, want 'Cikgu'", got)
	}
	if got := T(ctx, "NavSubjects"); got != "Subjects" {
		t.Errorf("T(NavSubjects) = %q, want 'Subjects'", got)
	}
}

func TestTranslateMalay(t *testing.T) {
	ctx := initLang(t, "ms")

	if got := T(ctx, "NavSubjects"); got != "Subjek" {
		t.Errorf("T(NavSubjects) = %q, want 'Subjek'", got)
	}
	if got := T(ctx, "SubmitAnswers"); got != "Hantar jawapan" {
		t.Errorf("T(SubmitAnswers) = %q, want 'Hantar jawapan'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "QuestionCount", 1); got != "1 question" {
		t.Errorf("Tp(QuestionCount, 1) = %q, want '1 question'", got)
	}
	if got := Tp(ctx, "QuestionCount", 5); got != "5 questions" {
		t.Errorf("Tp(QuestionCount, 5) = %q, want '5 questions'", got)
	}

	ms := initLang(t, "ms")
	if got := Tp(ms, "QuestionCount", 1); got != "1 soalan" {
		t.Errorf("Tp(QuestionCount, 1) in ms = %q, want '1 soalan'", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "WelcomeBack", map[string]any{"Name": "Aisyah"})
	if got != "Welcome back, Aisyah!" {
		t.Errorf("Td(WelcomeBack) = %q, want 'Welcome back, Aisyah!'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	if got := T(ctx, "NonExistentKey"); got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestLocalesHaveSameKeys(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	langs := Languages()
	sort.Strings(langs)
	if strings.Join(langs, ",") != "en,ms" {
		t.Errorf("Languages() = %v, want [en ms]", langs)
	}

	en := WithLang(context.Background(), "en")
	ms := WithLang(context.Background(), "ms")
	for _, id := range []string{"Tagline", "NavReview", "AwaitingGrading", "Status_completed", "ErrorGeneric"} {
		if T(en, id) == id || T(ms, id) == id {
			t.Errorf("message %q missing in a locale", id)
		}
		if T(en, id) == T(ms, id) {
			t.Errorf("message %q not translated: %q", id, T(en, id))
		}
	}
}

func TestMiddleware(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = Lang(r.Context()) + ":" + T(r.Context(), "NavSubjects")
	}))

	tests := []struct {
		name       string
		target     string
		cookie     string
		accept     string
		want       string
		wantCookie bool
	}{
		{"default", "/", "", "", "en:Subjects", false},
		{"accept-language", "/", "", "ms-MY,ms;q=0.9,en;q=0.5", "ms:Subjek", false},
		{"unsupported accept-language", "/", "", "fr-FR", "en:Subjects", false},
		{"cookie beats header", "/", "ms", "en-US", "ms:Subjek", false},
		{"query beats cookie", "/?lang=en", "ms", "", "en:Subjects", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: CookieName, Value: tt.cookie})
			}
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			hasCookie := strings.Contains(rec.Header().Get("Set-Cookie"), CookieName+"=")
			if hasCookie != tt.wantCookie {
				t.Errorf("Set-Cookie present = %v, want %v", hasCookie, tt.wantCookie)
			}
		})
	}
}
