package solution

import (
	"golang.org/x/text/language"
)

// Supported display locales.
const (
	LangEN = "en"
	LangZH = "zh"
)

var localeMatcher = language.NewMatcher([]language.Tag{language.English, language.Chinese})

// MatchLocale maps a user language tag ("zh-CN", "en-US", "zh-Hant") onto a
// supported display locale.
func MatchLocale(tag string) string {
	if tag == "" {
		return LangEN
	}
	t, err := language.Parse(tag)
	if err != nil {
		return LangEN
	}
	if _, idx, conf := localeMatcher.Match(t); idx == 1 && conf != language.No {
		return LangZH
	}
	if base, _ := t.Base(); base.String() == LangZH {
		return LangZH
	}
	return LangEN
}

func pick(lang, en, zh string) string {
	if MatchLocale(lang) == LangZH && zh != "" {
		return zh
	}
	return en
}

func (s *Solution) DisplayName(lang string) string { return pick(lang, s.Name, s.NameZh) }

func (p *Preset) DisplayName(lang string) string {
	name := pick(lang, p.Name, p.NameZh)
	if name == "" {
		return p.ID
	}
	return name
}

func (s *StepSpec) DisplayTitle(lang string) string {
	t := pick(lang, s.Title, s.TitleZh)
	if t == "" {
		return s.ID
	}
	return t
}

func (t *TargetSpec) DisplayName(lang string) string {
	n := pick(lang, t.Name, t.NameZh)
	if n == "" {
		return t.ID
	}
	return n
}
