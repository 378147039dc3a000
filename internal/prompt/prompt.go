// Package prompt loads the tutor's system instruction templates and renders
// them for a learner's preferences.
//
// A template directory holds system.txt, which may reference the
// {LEVEL_INSTRUCTIONS}, {TARGET_LANGUAGE} and {NATIVE_LANGUAGE} placeholders,
// and levels/<level>.txt overlays. The built-in templates are used unless a
// directory is configured.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

//go:embed templates
var embedded embed.FS

const (
	systemFile = "system.txt"
	levelsDir  = "levels"

	placeholderLevel  = "{LEVEL_INSTRUCTIONS}"
	placeholderTarget = "{TARGET_LANGUAGE}"
	placeholderNative = "{NATIVE_LANGUAGE}"
)

// Params are the learner preferences a template is rendered with.
type Params struct {
	TargetLanguage string
	NativeLanguage string
	Level          string
}

// Templates is a loaded, read-only template set.
type Templates struct {
	system string
	levels map[string]string
}

// Load reads templates from dir, or the built-in set when dir is empty.
func Load(dir string) (*Templates, error) {
	if dir == "" {
		sub, err := fs.Sub(embedded, "templates")
		if err != nil {
			return nil, fmt.Errorf("prompt: embedded templates: %w", err)
		}
		return LoadFS(sub)
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS reads templates from fsys. system.txt is required; the levels
// directory is optional.
func LoadFS(fsys fs.FS) (*Templates, error) {
	sys, err := fs.ReadFile(fsys, systemFile)
	if err != nil {
		return nil, fmt.Errorf("prompt: read %s: %w", systemFile, err)
	}
	t := &Templates{system: string(sys), levels: make(map[string]string)}

	entries, err := fs.ReadDir(fsys, levelsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("prompt: read %s: %w", levelsDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || path.Ext(name) != ".txt" {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(levelsDir, name))
		if err != nil {
			return nil, fmt.Errorf("prompt: read level %s: %w", name, err)
		}
		t.levels[strings.ToLower(strings.TrimSuffix(name, ".txt"))] = strings.TrimSpace(string(body))
	}
	return t, nil
}

// Levels returns the names of the available level overlays.
func (t *Templates) Levels() []string {
	out := make([]string, 0, len(t.levels))
	for name := range t.levels {
		out = append(out, name)
	}
	return out
}

// System renders the system instruction. Language codes are uppercased; an
// unknown level renders an empty overlay.
func (t *Templates) System(p Params) string {
	r := strings.NewReplacer(
		placeholderLevel, t.levels[strings.ToLower(p.Level)],
		placeholderTarget, strings.ToUpper(p.TargetLanguage),
		placeholderNative, strings.ToUpper(p.NativeLanguage),
	)
	return strings.TrimSpace(r.Replace(t.system))
}

// Greeting is the one-off instruction used to have the generator open the
// conversation.
func Greeting(targetLanguage string) string {
	return fmt.Sprintf("Greet the user warmly and introduce yourself as their %s language learning assistant. "+
		"Let them know they can start a conversation on any topic or ask for help practicing something specific.",
		strings.ToUpper(targetLanguage))
}
