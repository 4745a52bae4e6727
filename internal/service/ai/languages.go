package ai

import "strings"

// DefaultLanguage is used when a request names none.
const DefaultLanguage = "en-IN"

var languageNames = map[string]string{
	"en-IN": "English",
	"hi-IN": "Hindi",
	"bn-IN": "Bengali",
	"ta-IN": "Tamil",
	"te-IN": "Telugu",
	"kn-IN": "Kannada",
	"ml-IN": "Malayalam",
	"mr-IN": "Marathi",
	"gu-IN": "Gujarati",
	"pa-IN": "Punjabi",
	"od-IN": "Odia",
}

// LanguageName returns the English name of a language tag, falling back to
// the tag itself so prompts still carry it.
func LanguageName(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = DefaultLanguage
	}
	for known, name := range languageNames {
		if strings.EqualFold(known, tag) {
			return name
		}
	}
	return tag
}

// SupportedLanguage reports whether tag is one of the tags the speech
// services are configured for.
func SupportedLanguage(tag string) bool {
	for known := range languageNames {
		if strings.EqualFold(known, strings.TrimSpace(tag)) {
			return true
		}
	}
	return false
}
