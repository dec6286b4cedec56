package embeddings

import (
	"fmt"
	"sort"
	"strings"
)

// Language selects the pretrained checkpoint
type Language string

const (
	English Language = "en"
	Bengali Language = "bn"
)

// Checkpoint describes a pretrained encoder and its tokenizer
type Checkpoint struct {
	ID         string `json:"id"`
	PadToken   string `json:"pad_token"`
	MaxLength  int    `json:"max_length"`
	HiddenSize int    `json:"hidden_size"` // used when the exported graph leaves it dynamic
}

// checkpoints is the closed set of supported languages. Callers get copies
// through ResolveCheckpoint.
var checkpoints = map[Language]Checkpoint{
	English: {ID: "bert-base-uncased", PadToken: "[PAD]", MaxLength: 512, HiddenSize: 768},
	Bengali: {ID: "neuropark/sahajBERT", PadToken: "<pad>", MaxLength: 512, HiddenSize: 1024},
}

// ParseLanguage normalizes a selector and checks it against the supported set.
func ParseLanguage(s string) (Language, error) {
	lang := Language(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := checkpoints[lang]; !ok {
		return "", fmt.Errorf("%w: unknown language %q (use %s)", ErrInvalidConfiguration, s, strings.Join(SupportedLanguages(), " or "))
	}
	return lang, nil
}

// ResolveCheckpoint returns the checkpoint registered for lang.
func ResolveCheckpoint(lang Language) (Checkpoint, error) {
	normalized, err := ParseLanguage(string(lang))
	if err != nil {
		return Checkpoint{}, err
	}
	return checkpoints[normalized], nil
}

// SupportedLanguages lists the accepted selectors in sorted order
func SupportedLanguages() []string {
	langs := make([]string, 0, len(checkpoints))
	for lang := range checkpoints {
		langs = append(langs, string(lang))
	}
	sort.Strings(langs)
	return langs
}

// PoolingFor maps the last-four flag to a pooling mode.
func PoolingFor(lastFour bool) PoolingMode {
	if lastFour {
		return PoolingLastFourConcat
	}
	return PoolingLastLayerMean
}

// ParseDevice validates a device preference. Empty means auto.
func ParseDevice(s string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown device %q (must be auto, cpu, or cuda)", ErrInvalidConfiguration, s)
	}
}
