package service

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Strob0t/AdFactory/internal/domain/batch"
)

// Preset wraps a voice script into a full video generation prompt.
type Preset struct {
	ID   string
	Name string
	// Build renders the prompt for one script. voice and context come from
	// the batch's shared configuration.
	Build func(script string, voice batch.Voice, context string) string
}

const (
	PresetAustralianLifeInsurance = "australian-life-insurance"
	PresetRaw                     = "raw"

	defaultAccent = "Australian"

	// maxScriptRunes caps a single script embedded in a prompt.
	maxScriptRunes = 5000
)

var presets = map[string]Preset{
	PresetAustralianLifeInsurance: {
		ID:   PresetAustralianLifeInsurance,
		Name: "Australian Life Insurance",
		Build: func(script string, voice batch.Voice, context string) string {
			actor, subject, possessive := "Woman", "She", "her"
			if voice.Gender != batch.GenderFemale {
				actor, subject, possessive = "Man", "He", "his"
			}
			accent := voice.Accent
			if accent == "" {
				accent = defaultAccent
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Make the %s in the video speak with a clear %s accent while delivering the following lines. ", actor, accent)
			fmt.Fprintf(&b, "%s is mid 60s and is talking about %s experience with life insurance. ", subject, possessive)
			fmt.Fprintf(&b, "The voice should be direct, not too expressive, just matter of fact talking about %s experience.", possessive)
			b.WriteString("\n\n\"" + script + "\"")
			if context != "" {
				b.WriteString("\n\nAdditional Context: " + context)
			}
			return b.String()
		},
	},
	PresetRaw: {
		ID:   PresetRaw,
		Name: "Clip",
		Build: func(script string, _ batch.Voice, context string) string {
			if context == "" {
				return script
			}
			return script + "\n\nAdditional Context: " + context
		},
	},
}

// LookupPreset returns the preset registered under id.
func LookupPreset(id string) (Preset, bool) {
	p, ok := presets[id]
	return p, ok
}

// presetFor falls back to the raw preset for unknown ids.
func presetFor(id string) Preset {
	if p, ok := presets[id]; ok {
		return p
	}
	return presets[PresetRaw]
}

// videoPrompt renders the prompt submitted for a video task.
func videoPrompt(shared batch.SharedConfig, script string) string {
	return presetFor(shared.Preset).Build(sanitizeScript(script), shared.Voice, sanitizeScript(shared.Context))
}

// sanitizeScript strips control characters other than newlines and tabs,
// trims surrounding space and truncates to maxScriptRunes.
func sanitizeScript(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxScriptRunes {
		s = strings.TrimSpace(string(r[:maxScriptRunes]))
	}
	return s
}

// presetDisplayName names the i-th (zero-based) task of a new batch.
func presetDisplayName(presetID string, i int) string {
	return fmt.Sprintf("%s %d", presetFor(presetID).Name, i+1)
}

// clipDisplayName names a task appended to an existing batch that already
// holds n tasks.
func clipDisplayName(n int) string {
	return fmt.Sprintf("Clip %d", n+1)
}

const remixBasePrompt = "Create a unique visual variation of this reference ad image. " +
	"Maintain the core visual concept but reimagine with fresh composition, lighting, or perspective."

// RemixPrompt builds the instruction for one remix variation.
func RemixPrompt(offerContext, direction string) string {
	parts := []string{remixBasePrompt}
	if c := sanitizeScript(offerContext); c != "" {
		parts = append(parts, "Context: "+c+".")
	}
	if d := sanitizeScript(direction); d != "" {
		parts = append(parts, "Direction: "+d)
	}
	return strings.Join(parts, " ")
}

// DefaultRemixModels are used when a remix request names none.
var DefaultRemixModels = []string{"nano-banana-pro", "flux-pro", "stable-diffusion-xl"}

// remixModel assigns models round-robin across a source's variations.
func remixModel(models []string, variation int) string {
	if len(models) == 0 {
		models = DefaultRemixModels
	}
	return models[variation%len(models)]
}
