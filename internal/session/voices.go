package session

import (
	"maps"
	"strings"

	"github.com/MrWong99/linguavox/pkg/provider/tts"
)

// FallbackVoiceLanguage is used for languages without a mapped voice.
const FallbackVoiceLanguage = "en"

// defaultVoices maps a language code to a Cartesia voice ID.
var defaultVoices = map[string]string{
	"en": "a0e99841-438c-4a64-b679-ae501e7d6091",
	"es": "846d6cb0-2301-48b6-9571-6d4fd3ffea35",
	"fr": "a8a1eb38-5f15-4c1d-8722-7ac0f329727d",
	"de": "b9de4a89-2257-424b-94c2-db18ba68c81a",
	"it": "ee7ea9f8-c0c1-498c-9f62-5b7b56a9ab60",
	"pt": "700d1ee3-a641-4018-ba6e-899dcadc9e2b",
	"ja": "2b568345-1d48-4047-b25f-7baccf842eb0",
	"ko": "663afeec-d082-4ab5-92cc-1c7a9b8718c3",
	"zh": "d4d4b115-57a0-48ea-9a1a-9898966c2966",
}

// VoiceMap resolves the synthesizer voice for a target language. The zero
// value uses the built-in map.
type VoiceMap struct {
	ids      map[string]string
	provider string
}

// NewVoiceMap returns the built-in map with overrides applied. provider is
// recorded on every resolved profile.
func NewVoiceMap(provider string, overrides map[string]string) VoiceMap {
	ids := maps.Clone(defaultVoices)
	for lang, id := range overrides {
		if id = strings.TrimSpace(id); id != "" {
			ids[strings.ToLower(strings.TrimSpace(lang))] = id
		}
	}
	return VoiceMap{ids: ids, provider: provider}
}

// ID returns the voice ID for language, falling back to
// [FallbackVoiceLanguage].
func (m VoiceMap) ID(language string) string {
	ids := m.ids
	if ids == nil {
		ids = defaultVoices
	}
	if id, ok := ids[strings.ToLower(language)]; ok {
		return id
	}
	return ids[FallbackVoiceLanguage]
}

// Profile builds the voice a session with p speaks with.
func (m VoiceMap) Profile(p Preferences) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          m.ID(p.TargetLanguage),
		Provider:    m.provider,
		SpeedFactor: p.SpeakingSpeed,
		Language:    p.TargetLanguage,
	}
}
