package prompt

var presets = []string{
	"Write a short Telegram signal using this crypto data: {{data}}. Make it urgent and concise with emojis.",
	"Analyze this crypto signal data: {{data}}. Provide a brief technical analysis with buy/sell recommendation.",
	"Create a professional crypto alert from: {{data}}. Include key metrics and trading advice.",
}

// Presets returns the built-in example templates.
func Presets() []string { return append([]string(nil), presets...) }

// Preset returns the n-th preset, 1-based.
func Preset(n int) (string, bool) {
	if n < 1 || n > len(presets) {
		return "", false
	}
	return presets[n-1], true
}
