package speech

import "strings"

// voiceAliases maps friendly voice names onto Volcengine speaker ids.
var voiceAliases = map[string]string{
	"default":          "en_female_amy_jupiter_bigtts",
	"en_default":       "en_female_amy_jupiter_bigtts",
	"professor":        "en_male_glen_emo_v2_mars_bigtts",
	"professor-female": "en_female_skye_emo_v2_mars_bigtts",
	"zh_default":       "zh_female_vv_uranus_bigtts",
}

// languageVoices picks a speaker when the request names none.
var languageVoices = map[string]string{
	"en": "en_female_amy_jupiter_bigtts",
	"zh": "zh_female_vv_uranus_bigtts",
}

// NormalizeVoiceAlias resolves an alias to a speaker id. Unknown values pass
// through unchanged.
func NormalizeVoiceAlias(voice string) string {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return ""
	}
	if mapped, ok := voiceAliases[strings.ToLower(voice)]; ok {
		return mapped
	}
	return voice
}

// VoiceForLanguage returns the default speaker for a BCP-47 language tag such
// as "en-IN", or "" when none is registered.
func VoiceForLanguage(language string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(language)), "-")
	return languageVoices[base]
}
