// Package i18n holds the message catalog used to localize outbound
// notifications.
//
// The catalog is injected into consumers as a Resolver capability so tests can
// substitute deterministic fixtures. Indonesian (id) is the base locale; any
// locale that cannot be matched falls back to it, and any key missing from a
// matched locale falls back to the base locale's text.
package i18n

import (
	"strings"

	"golang.org/x/text/language"

	logx "tayang/pkg/logx"
)

// Resolver resolves a message key to localized text.
//
// Resolution never fails: an unknown key comes back as the key itself, which
// keeps rendering total at the cost of an ugly message (and a warning).
type Resolver interface {
	Resolve(locale, key string, args map[string]string) string
	Canonical(locale string) string
}

// Catalog is the built-in message table set.
type Catalog struct {
	base    language.Tag
	tags    []language.Tag
	matcher language.Matcher
	tables  map[string]map[string]string
	log     logx.Logger
}

// New builds the catalog with its compiled-in locales.
func New(log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	tags := []language.Tag{
		language.Indonesian, // base; must be first so the matcher defaults to it
		language.English,
	}
	return &Catalog{
		base:    language.Indonesian,
		tags:    tags,
		matcher: language.NewMatcher(tags),
		tables: map[string]map[string]string{
			"id": indonesian,
			"en": english,
		},
		log: log,
	}
}

// Canonical maps a requested locale to the supported locale that will serve it.
func (c *Catalog) Canonical(locale string) string {
	tag, _ := language.MatchStrings(c.matcher, locale)
	base, _ := tag.Base()
	code := base.String()
	if _, ok := c.tables[code]; !ok {
		return "id"
	}
	return code
}

// Resolve returns the localized text for key, expanding {arg} placeholders.
func (c *Catalog) Resolve(locale, key string, args map[string]string) string {
	code := c.Canonical(locale)

	text, ok := c.tables[code][key]
	if !ok {
		// Per-key fallback to the base locale.
		text, ok = c.tables["id"][key]
	}
	if !ok {
		c.log.Warn("i18n key missing", logx.String("key", key), logx.String("locale", locale))
		return key
	}
	return expand(text, args)
}

// expand substitutes {name}-style placeholders. Unknown placeholders are left
// in place so broken templates stay visible instead of silently vanishing.
func expand(text string, args map[string]string) string {
	if len(args) == 0 || !strings.Contains(text, "{") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + 16)
	for {
		open := strings.IndexByte(text, '{')
		if open < 0 {
			b.WriteString(text)
			return b.String()
		}
		closing := strings.IndexByte(text[open:], '}')
		if closing < 0 {
			b.WriteString(text)
			return b.String()
		}
		closing += open
		b.WriteString(text[:open])
		name := text[open+1 : closing]
		if v, ok := args[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(text[open : closing+1])
		}
		text = text[closing+1:]
	}
}
