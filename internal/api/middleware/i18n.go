package middleware

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

const (
	languageKey   = "language"
	translatorKey = "translator"
)

// Translator hält die Übersetzungen und wählt die passende Sprache
type Translator struct {
	bundle     *i18n.Bundle
	tags       []language.Tag // Standardsprache zuerst
	matcher    language.Matcher
	supported  map[string]bool
	localizers map[string]*i18n.Localizer
}

// NewTranslator lädt die eingebetteten Übersetzungsdateien
func NewTranslator(defaultLanguage string) (*Translator, error) {
	if defaultLanguage == "" {
		defaultLanguage = "en"
	}
	def, err := language.Parse(defaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", defaultLanguage, err)
	}

	bundle := i18n.NewBundle(def)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	files, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if _, err := bundle.LoadMessageFileFS(localeFS, file); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path.Base(file), err)
		}
	}

	t := &Translator{
		bundle:     bundle,
		supported:  make(map[string]bool),
		localizers: make(map[string]*i18n.Localizer),
	}

	defBase, _ := def.Base()
	t.tags = append(t.tags, def)
	for _, tag := range bundle.LanguageTags() {
		base, _ := tag.Base()
		if base == defBase {
			continue
		}
		t.tags = append(t.tags, tag)
	}
	for _, tag := range t.tags {
		base, _ := tag.Base()
		t.supported[base.String()] = true
		t.localizers[base.String()] = i18n.NewLocalizer(bundle, base.String())
	}
	if !t.supported[defBase.String()] {
		return nil, fmt.Errorf("no translations for default language %q", defaultLanguage)
	}
	t.matcher = language.NewMatcher(t.tags)
	return t, nil
}

// Default liefert die Standardsprache
func (t *Translator) Default() string {
	base, _ := t.tags[0].Base()
	return base.String()
}

// Supported meldet, ob für lang Übersetzungen existieren; lang wird normalisiert
func (t *Translator) Supported(lang string) (string, bool) {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		return "", false
	}
	base, _ := tag.Base()
	return base.String(), t.supported[base.String()]
}

// Match wählt anhand eines Accept-Language-Headers die beste Sprache
func (t *Translator) Match(acceptLanguage string) string {
	if acceptLanguage == "" {
		return t.Default()
	}
	_, idx := language.MatchStrings(t.matcher, acceptLanguage)
	base, _ := t.tags[idx].Base()
	return base.String()
}

// Translate übersetzt eine Nachricht; unbekannte IDs werden unverändert zurückgegeben
func (t *Translator) Translate(lang, id string, data map[string]any) string {
	loc, ok := t.localizers[lang]
	if !ok {
		loc = t.localizers[t.Default()]
	}
	msg, err := loc.Localize(&i18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if msg == "" {
		if err != nil {
			log.Debugf("Missing translation %s for %s: %v", id, lang, err)
		}
		return id
	}
	return msg
}

// I18n bestimmt die Sprache einer Anfrage: ?lang=, dann Session, dann Accept-Language.
// Eine gültige ?lang= wird in der Session gespeichert, sofern Sessions aktiv sind.
func I18n(t *Translator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var session sessions.Session
		if _, ok := c.Get(sessions.DefaultKey); ok {
			session = sessions.Default(c)
		}

		lang := ""
		if q := c.Query("lang"); q != "" {
			if base, ok := t.Supported(q); ok {
				lang = base
				if session != nil {
					session.Set(languageKey, lang)
					if err := session.Save(); err != nil {
						log.Debugf("Failed to save language in session: %v", err)
					}
				}
			}
		}
		if lang == "" && session != nil {
			if v, ok := session.Get(languageKey).(string); ok {
				if base, ok := t.Supported(v); ok {
					lang = base
				}
			}
		}
		if lang == "" {
			lang = t.Match(c.GetHeader("Accept-Language"))
		}

		c.Set(languageKey, lang)
		c.Set(translatorKey, t)
		c.Next()
	}
}

// Language liefert die für die Anfrage gewählte Sprache
func Language(c *gin.Context) string {
	return c.GetString(languageKey)
}

// T übersetzt eine Nachricht in der Sprache der Anfrage.
// Ohne Middleware wird die ID zurückgegeben.
func T(c *gin.Context, id string, data map[string]any) string {
	v, ok := c.Get(translatorKey)
	if !ok {
		return id
	}
	return v.(*Translator).Translate(Language(c), id, data)
}
