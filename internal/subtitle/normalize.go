// Package subtitle normalizes provider subtitle tracks for browser
// playback. Browsers only render WebVTT, so SRT input is converted;
// ASS carries styling WebVTT cannot express and passes through flagged.
package subtitle

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/abadojack/whatlanggo"
	"github.com/pkg/errors"

	"github.com/lucasvieira/streamfinder/internal/models"
)

// ErrMalformed means no usable cue survived parsing.
var ErrMalformed = errors.New("subtitle payload has no usable cues")

// Result is a normalized subtitle document.
type Result struct {
	Body string
	// Format is the delivered format: vtt after conversion, ass on
	// passthrough.
	Format models.SubtitleFormat
	// Detected is the sniffed input format, which may disagree with the
	// provider's label.
	Detected models.SubtitleFormat
	// Language is the ISO 639-1 code guessed from cue text.
	Language string
	// Converted is true when the body was rewritten from another format.
	Converted bool
}

// SRT timestamp line, tolerating period decimals some encoders emit.
var srtTimeRe = regexp.MustCompile(`^(\d{1,2}:\d{2}:\d{2})[,.](\d{3})\s*-->\s*(\d{1,2}:\d{2}:\d{2})[,.](\d{3})`)

// Normalize sniffs the payload format, converts it when needed, and
// detects the cue language. Sniffing wins over the caller's hint: the
// label on a provider track is wrong often enough to be untrustworthy.
func Normalize(raw []byte, hint models.SubtitleFormat) (*Result, error) {
	text := strings.ReplaceAll(strings.TrimPrefix(string(raw), "\ufeff"), "\r\n", "\n")
	detected := sniff(text, hint)

	res := &Result{Detected: detected}
	switch detected {
	case models.SubtitleVTT:
		res.Body = text
		res.Format = models.SubtitleVTT
	case models.SubtitleASS:
		res.Body = text
		res.Format = models.SubtitleASS
	default:
		body, cues := convertSRT(text)
		if cues == 0 {
			return nil, ErrMalformed
		}
		res.Body = body
		res.Format = models.SubtitleVTT
		res.Converted = true
	}

	res.Language = detectLanguage(cueText(res.Body, detected))
	return res, nil
}

// sniff inspects content markers; only when none match does the hint
// decide.
func sniff(text string, hint models.SubtitleFormat) models.SubtitleFormat {
	trimmed := strings.TrimLeft(text, " \t\n")
	switch {
	case strings.HasPrefix(trimmed, "WEBVTT"):
		return models.SubtitleVTT
	case strings.HasPrefix(trimmed, "[Script Info]"):
		return models.SubtitleASS
	}
	for _, line := range strings.SplitN(trimmed, "\n", 20) {
		if srtTimeRe.MatchString(strings.TrimSpace(line)) {
			return models.SubtitleSRT
		}
	}
	if hint != "" {
		return hint
	}
	return models.SubtitleSRT
}

// convertSRT rewrites SRT blocks as WebVTT cues. Sequence indices are
// dropped, comma decimals become periods, and blocks without a valid
// timestamp line are skipped rather than failing the whole document.
func convertSRT(text string) (string, int) {
	var b strings.Builder
	b.WriteString("WEBVTT\n")

	var cues int
	for _, block := range strings.Split(text, "\n\n") {
		lines := splitNonEmpty(block)
		if len(lines) == 0 {
			continue
		}

		// Optional leading sequence index.
		if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err == nil {
			lines = lines[1:]
		}
		if len(lines) < 2 {
			continue
		}

		m := srtTimeRe.FindStringSubmatch(strings.TrimSpace(lines[0]))
		if m == nil {
			continue
		}

		b.WriteString("\n")
		b.WriteString(m[1] + "." + m[2] + " --> " + m[3] + "." + m[4] + "\n")
		for _, line := range lines[1:] {
			b.WriteString(line + "\n")
		}
		cues++
	}

	return b.String(), cues
}

func splitNonEmpty(block string) []string {
	var out []string
	for _, line := range strings.Split(block, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// cueText strips structure away, leaving spoken text for language
// detection.
func cueText(body string, format models.SubtitleFormat) []string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch format {
		case models.SubtitleASS:
			if text, ok := strings.CutPrefix(line, "Dialogue:"); ok {
				parts := strings.SplitN(text, ",", 10)
				if len(parts) == 10 {
					out = append(out, parts[9])
				}
			}
		default:
			if strings.HasPrefix(line, "WEBVTT") || strings.HasPrefix(line, "NOTE") ||
				strings.HasPrefix(line, "STYLE") || strings.Contains(line, "-->") {
				continue
			}
			out = append(out, line)
		}
	}
	return out
}

// detectLanguage votes per cue line, the same majority scheme used for
// mixed-language releases.
func detectLanguage(lines []string) string {
	if len(lines) == 0 {
		return ""
	}

	langMap := make(map[string]int)
	for _, line := range lines {
		lang := whatlanggo.DetectLang(line).Iso6391()
		langMap[lang]++
	}

	var topLang string
	var topCount int
	for lang, count := range langMap {
		if count > topCount {
			topLang = lang
			topCount = count
		}
	}
	return topLang
}
