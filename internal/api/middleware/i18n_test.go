package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTranslate(t *testing.T) {
	tr, err := NewTranslator("en")
	if err != nil {
		t.Fatalf("NewTranslator: %v", err)
	}

	tests := []struct {
		lang, id string
		data     map[string]any
		want     string
	}{
		{"en", "msg.no_face", nil, "No face detected."},
		{"pt", "msg.no_face", nil, "Nenhum rosto detectado."},
		{"de", "msg.recognized", map[string]any{"Name": "alice"}, "Benutzer erkannt: alice"},
		{"fr", "msg.not_recognized", nil, "Face not recognized."},
		{"en", "does.not.exist", nil, "does.not.exist"},
	}
	for _, tt := range tests {
		if got := tr.Translate(tt.lang, tt.id, tt.data); got != tt.want {
			t.Errorf("Translate(%s, %s) = %q, want %q", tt.lang, tt.id, got, tt.want)
		}
	}
}

func TestMatch(t *testing.T) {
	tr, err := NewTranslator("en")
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]string{
		"":                       "en",
		"pt-BR,pt;q=0.9,en;q=0.8": "pt",
		"de-AT":                  "de",
		"ja":                     "en",
	}
	for header, want := range tests {
		if got := tr.Match(header); got != want {
			t.Errorf("Match(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestNewTranslatorUnknownDefault(t *testing.T) {
	if _, err := NewTranslator("ja"); err == nil {
		t.Error("expected error for default language without translations")
	}
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	tr, err := NewTranslator("en")
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.Use(sessions.Sessions("facegate", cookie.NewStore([]byte("test-secret"))))
	r.Use(I18n(tr))
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, T(c, "msg.no_face", nil))
	})
	return r
}

func TestMiddlewareLanguageSources(t *testing.T) {
	r := newRouter(t)

	// Accept-Language
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9")
	r.ServeHTTP(w, req)
	if w.Body.String() != "Kein Gesicht erkannt." {
		t.Errorf("accept-language body = %q", w.Body.String())
	}

	// ?lang= gewinnt und landet in der Session
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/?lang=pt", nil)
	req.Header.Set("Accept-Language", "de")
	r.ServeHTTP(w, req)
	if w.Body.String() != "Nenhum rosto detectado." {
		t.Errorf("query body = %q", w.Body.String())
	}
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie set")
	}

	// Session ohne Query
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(w, req)
	if w.Body.String() != "Nenhum rosto detectado." {
		t.Errorf("session body = %q", w.Body.String())
	}
}

func TestMiddlewareWithoutSessions(t *testing.T) {
	tr, err := NewTranslator("en")
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	r.Use(I18n(tr))
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, Language(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?lang=de", nil))
	if w.Body.String() != "de" {
		t.Errorf("language = %q", w.Body.String())
	}
}
