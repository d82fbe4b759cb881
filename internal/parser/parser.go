// Package parser turns free-text chat alerts into structured trade signals.
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoSignal is returned when no tradable signal can be extracted from a message.
var ErrNoSignal = errors.New("no signal found in message")

// Signal is a parsed trade signal
type Signal struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	MessageID   string    `json:"message_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"` // "buy" or "sell"
	Entries     []float64 `json:"entries"`
	TakeProfits []float64 `json:"take_profits"`
	StopLoss    float64   `json:"stop_loss"`
	Leverage    int       `json:"leverage"`
	RawText     string    `json:"raw_text"`
	ParsedAt    time.Time `json:"parsed_at"`
}

// FirstEntry returns the primary entry level, 0 when none parsed.
func (s *Signal) FirstEntry() float64 {
	if len(s.Entries) == 0 {
		return 0
	}
	return s.Entries[0]
}

// Summary formats the signal for notifications
func (s *Signal) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.Symbol, strings.ToUpper(s.Side))
	if len(s.Entries) > 0 {
		fmt.Fprintf(&b, "\nEntry: %s", joinPrices(s.Entries))
	}
	if s.StopLoss > 0 {
		fmt.Fprintf(&b, "\nStop Loss: %s", formatPrice(s.StopLoss))
	}
	if len(s.TakeProfits) > 0 {
		fmt.Fprintf(&b, "\nTake Profit: %s", joinPrices(s.TakeProfits))
	}
	if s.Leverage > 0 {
		fmt.Fprintf(&b, "\nLeverage: %dx", s.Leverage)
	}
	return b.String()
}

// Section keyword synonyms. A section runs from its keyword to the next
// boundary keyword at the start of a line.
var (
	entryKeywords = []string{
		"entry", "entries", "entry zone", "entry zones", "entry price", "entry prices",
		"buy zone", "buy zones", "buy area", "entry range", "entry ranges",
		"cmp", "current market price", "dca", "dca2", "dca3", "dca4", "dca5",
	}
	takeProfitKeywords = []string{
		"take profit", "take profits", "tp", "targets", "target", "profit targets",
	}
	stopLossKeywords = []string{
		"stop loss", "stop losses", "stop", "sl", "stop price",
	}
	boundaryKeywords = []string{
		"entry", "entries", "entry zone", "entry zones", "entry price", "entry prices",
		"entry range", "entry ranges", "take profit", "take profits", "tp", "targets",
		"target", "profit targets", "stop loss", "stop losses", "stop", "sl",
		"leverage", "lev", "risk", "notes", "comment", "analysis",
	}
)

var (
	symbolLabelRe  = regexp.MustCompile(`(?i)(?:SYMBOL|PAIR)[\s:]*([A-Z0-9/\-]+)`)
	sideRe         = regexp.MustCompile(`(?i)\b(LONG|SHORT|BUY|SELL)\b`)
	leverageRe     = regexp.MustCompile(`(?i)(?:LEVERAGE|LEV)[\s:]*(\d+)x?`)
	bareLeverageRe = regexp.MustCompile(`(?i)(?:leverage\s*:?\s*)?(\d+)x(?:\s+cross|\s+isolated)?`)

	symbolSlashRe  = regexp.MustCompile(`(?i)\b([A-Z0-9]{1,10}/USDT?)\b`)
	symbolDashRe   = regexp.MustCompile(`(?i)\b([A-Z0-9]{1,10}-USDT?)\b`)
	symbolJoinedRe = regexp.MustCompile(`(?i)\b([A-Z0-9]{2,10}USDT?)\b`)

	quoteSuffixSepRe = regexp.MustCompile(`(?i)[/\-](USDT?|PERP)$`)
	quoteSuffixRe    = regexp.MustCompile(`(?i)(USDT|USD|PERP)$`)

	entryLineRe = regexp.MustCompile(`(?i)^(?:Entry|DCA\d*)\s*:`)

	atFormatRe    = regexp.MustCompile(`(?i)(LONG|SHORT)\s+([A-Z0-9/\-]+)\s*@\s*([\d.]+)`)
	rangeFormatRe = regexp.MustCompile(`(?i)(BUY|SELL)\s+([A-Z0-9/\-]+)\s+([\d.]+)-([\d.]+)`)

	numberedPrefixRe = regexp.MustCompile(`^\d+\s*(?:\)|:)\s*`)
	dcaPrefixRe      = regexp.MustCompile(`(?i)DCA\d*\s*:\s*`)
	entryPrefixRe    = regexp.MustCompile(`(?i)^Entry\s*:\s*`)
	sectionPrefixRe  = regexp.MustCompile(`(?i)^(?:tp|take\s*profit|target|targets|entries|sl|stop\s*loss|stop)\s*\d*\s*[:\-]\s*`)
	thousandsRe      = regexp.MustCompile(`(\d+),(\d{3})`)
	cmpRe            = regexp.MustCompile(`(?i)\bCMP\b`)
	priceRe          = regexp.MustCompile(`\d+(?:\.\d+)?`)
	directionWordRe  = regexp.MustCompile(`(?i)\b(LONG|SHORT|BUY|SELL)\b`)

	// Inline fallbacks for single-line alerts where sections share one line.
	inlineEntryRe      = regexp.MustCompile(`(?i)\b(?:ENTRY|ENTRIES)[\s:]+(.*)`)
	inlineStopRe       = regexp.MustCompile(`(?i)\b(?:STOP\s?LOSS|SL|STOP)[\s:]+(.*)`)
	inlineTakeProfitRe = regexp.MustCompile(`(?i)\b(?:TAKE\s?PROFIT|TP|TARGETS?)[\s:]+(.*)`)
	inlineBoundaryRe   = regexp.MustCompile(`(?i)\b(?:TAKE\s?PROFIT|TP|TARGETS?|STOP\s?LOSS|SL|STOP|ENTRY|ENTRIES|LEVERAGE|LEV|SYMBOL|PAIR)\b`)
)

// Parser extracts trade signals from free-text alerts
type Parser struct{}

// New creates a new signal parser
func New() *Parser {
	return &Parser{}
}

// NormalizeSymbol strips quote-currency and perp suffixes.
// BTC/USDT, BTC-USDT, BTCUSDT, BTCPERP all normalize to BTC.
func NormalizeSymbol(symbol string) string {
	if symbol == "" {
		return symbol
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = quoteSuffixSepRe.ReplaceAllString(symbol, "")
	symbol = quoteSuffixRe.ReplaceAllString(symbol, "")
	return strings.ToUpper(symbol)
}

// Parse extracts one or more signals from a message. Multiple signals in one
// message are separated by " / "; a bare "/" fallback re-accumulates segments
// until a direction keyword so prices containing slashes do not split a signal.
func (p *Parser) Parse(text, channel, messageID string) ([]Signal, error) {
	var signals []Signal

	if strings.Contains(text, " / ") {
		for _, part := range strings.Split(text, " / ") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if sig, ok := p.parseSingle(part); ok {
				signals = append(signals, p.finalize(sig, part, channel, messageID))
			}
		}
		if len(signals) > 1 {
			return signals, nil
		}
		signals = signals[:0]
	}

	if sig, ok := p.parseSingle(text); ok {
		signals = append(signals, p.finalize(sig, text, channel, messageID))
		return signals, nil
	}

	if strings.Count(text, "/") > 1 {
		var current strings.Builder
		for _, part := range strings.Split(text, "/") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			current.WriteString(part)
			current.WriteString(" ")

			if directionWordRe.MatchString(part) {
				candidate := strings.TrimSpace(current.String())
				if sig, ok := p.parseSingle(candidate); ok {
					signals = append(signals, p.finalize(sig, candidate, channel, messageID))
					current.Reset()
				}
			}
		}
		if rest := strings.TrimSpace(current.String()); rest != "" {
			if sig, ok := p.parseSingle(rest); ok {
				signals = append(signals, p.finalize(sig, rest, channel, messageID))
			}
		}
	}

	if len(signals) == 0 {
		return nil, ErrNoSignal
	}
	return signals, nil
}

func (p *Parser) finalize(sig Signal, raw, channel, messageID string) Signal {
	sig.ID = uuid.New().String()
	sig.Channel = channel
	sig.MessageID = messageID
	sig.RawText = raw
	sig.ParsedAt = time.Now().UTC()
	return sig
}

func (p *Parser) parseSingle(text string) (Signal, bool) {
	var sig Signal
	text = strings.TrimSpace(text)

	if m := symbolLabelRe.FindStringSubmatch(text); m != nil {
		sig.Symbol = NormalizeSymbol(m[1])
	} else {
		for _, re := range []*regexp.Regexp{symbolSlashRe, symbolDashRe, symbolJoinedRe} {
			if m := re.FindStringSubmatch(text); m != nil {
				sig.Symbol = NormalizeSymbol(m[1])
				break
			}
		}
	}

	if m := sideRe.FindStringSubmatch(text); m != nil {
		switch strings.ToUpper(m[1]) {
		case "LONG", "BUY":
			sig.Side = "buy"
		case "SHORT", "SELL":
			sig.Side = "sell"
		}
	}

	// Entries: keyword section plus any standalone "Entry:" / "DCA2:" lines
	entryText := extractSection(text, entryKeywords)
	var entryLines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if entryLineRe.MatchString(line) {
			entryLines = append(entryLines, line)
		}
	}
	if len(entryLines) > 0 {
		entryText = strings.Join(entryLines, "\n") + "\n" + entryText
	}
	if entryText == "" {
		entryText = inlineCapture(text, inlineEntryRe)
	}
	if entryText != "" {
		sig.Entries = parsePriceLevels(entryText)
	}

	slText := extractSection(text, stopLossKeywords)
	if slText == "" {
		slText = inlineCapture(text, inlineStopRe)
	}
	if slText != "" {
		if levels := parsePriceLevels(slText); len(levels) > 0 {
			sig.StopLoss = levels[0]
		}
	}

	tpText := extractSection(text, takeProfitKeywords)
	if tpText == "" {
		tpText = inlineCapture(text, inlineTakeProfitRe)
	}
	if tpText != "" {
		sig.TakeProfits = parsePriceLevels(tpText)
	}

	if m := leverageRe.FindStringSubmatch(text); m != nil {
		if lev, err := strconv.Atoi(m[1]); err == nil {
			sig.Leverage = lev
		}
	} else if m := bareLeverageRe.FindStringSubmatch(text); m != nil {
		if lev, err := strconv.Atoi(m[1]); err == nil {
			sig.Leverage = lev
		}
	}

	sig = parseCommonFormats(text, sig)

	return sig, sig.Symbol != "" && sig.Side != ""
}

// parseCommonFormats handles compact one-line alerts.
func parseCommonFormats(text string, sig Signal) Signal {
	// "LONG BTCUSDT @ 45000"
	if m := atFormatRe.FindStringSubmatch(text); m != nil {
		if strings.EqualFold(m[1], "LONG") {
			sig.Side = "buy"
		} else {
			sig.Side = "sell"
		}
		sig.Symbol = NormalizeSymbol(m[2])
		if price, err := strconv.ParseFloat(m[3], 64); err == nil {
			sig.Entries = []float64{price}
		}
	}

	// "BUY ETHUSDT 3000-3050"
	if m := rangeFormatRe.FindStringSubmatch(text); m != nil {
		if strings.EqualFold(m[1], "BUY") {
			sig.Side = "buy"
		} else {
			sig.Side = "sell"
		}
		sig.Symbol = NormalizeSymbol(m[2])
		low, errLow := strconv.ParseFloat(m[3], 64)
		high, errHigh := strconv.ParseFloat(m[4], 64)
		if errLow == nil && errHigh == nil {
			sig.Entries = []float64{low, high}
		}
	}

	return sig
}

// extractSection returns the text between a section keyword at the start of a
// line and the next boundary keyword line.
func extractSection(message string, keywords []string) string {
	if message == "" || len(keywords) == 0 {
		return ""
	}

	own := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		own[strings.ToLower(kw)] = true
	}

	lines := strings.Split(message, "\n")
	var collected []string
	inSection := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		if !inSection {
			if _, rest, ok := matchKeywordPrefix(lower, trimmed, keywords); ok {
				inSection = true
				if rest != "" {
					collected = append(collected, rest)
				}
			}
			continue
		}

		// A boundary keyword that is not one of ours ends the section.
		if bk, _, ok := matchKeywordPrefix(lower, trimmed, boundaryKeywords); ok && !own[bk] {
			break
		}
		// Another occurrence of our own keyword continues the section.
		if _, rest, ok := matchKeywordPrefix(lower, trimmed, keywords); ok {
			if rest != "" {
				collected = append(collected, rest)
			}
			continue
		}
		if trimmed != "" {
			collected = append(collected, trimmed)
		}
	}

	return strings.TrimSpace(strings.Join(collected, "\n"))
}

// inlineCapture captures everything after a keyword on the same line, cut off
// at the next section keyword.
func inlineCapture(text string, re *regexp.Regexp) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	captured := m[1]
	if idx := strings.IndexByte(captured, '\n'); idx >= 0 {
		captured = captured[:idx]
	}
	if loc := inlineBoundaryRe.FindStringIndex(captured); loc != nil {
		captured = captured[:loc[0]]
	}
	return strings.TrimSpace(captured)
}

// matchKeywordPrefix reports whether the line starts with one of the keywords
// followed by an optional ":" or "-" delimiter, returning the matched keyword
// and the remainder of the line. Longer keywords win ("entry zone" over "entry").
func matchKeywordPrefix(lower, original string, keywords []string) (string, string, bool) {
	best := ""
	for _, kw := range keywords {
		k := strings.ToLower(kw)
		if !strings.HasPrefix(lower, k) {
			continue
		}
		rest := lower[len(k):]
		if rest != "" {
			c := rest[0]
			if c != ':' && c != '-' && c != ' ' && c != '\t' {
				continue
			}
		}
		if len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return "", "", false
	}
	rest := strings.TrimSpace(original[len(best):])
	rest = strings.TrimLeft(rest, ":-")
	return best, strings.TrimSpace(rest), true
}

// parsePriceLevels extracts price levels from section text: numbered list
// prefixes and label prefixes are stripped, thousands separators collapsed,
// dashes between digits treated as range separators, duplicates removed
// preserving order.
func parsePriceLevels(text string) []float64 {
	if text == "" {
		return nil
	}

	text = cmpRe.ReplaceAllString(text, "")

	var segments []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = numberedPrefixRe.ReplaceAllString(line, "")
		line = stripOrdinalDot(line)
		line = dcaPrefixRe.ReplaceAllString(line, "")
		line = entryPrefixRe.ReplaceAllString(line, "")
		line = sectionPrefixRe.ReplaceAllString(line, "")
		if strings.TrimSpace(line) != "" {
			segments = append(segments, line)
		}
	}
	cleaned := strings.Join(segments, " ")

	// 1,111,999 -> 1111999
	for thousandsRe.MatchString(cleaned) {
		cleaned = thousandsRe.ReplaceAllString(cleaned, "$1$2")
	}

	cleaned = splitDigitRanges(cleaned)

	var prices []float64
	for _, loc := range priceRe.FindAllStringIndex(cleaned, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isAlpha(cleaned[start-1]) {
			continue
		}
		if end < len(cleaned) && isAlpha(cleaned[end]) {
			continue
		}
		value, err := strconv.ParseFloat(cleaned[start:end], 64)
		if err != nil || value <= 0 {
			continue
		}
		prices = append(prices, value)
	}

	var unique []float64
	for _, price := range prices {
		seen := false
		for _, u := range unique {
			if u == price {
				seen = true
				break
			}
		}
		if !seen {
			unique = append(unique, price)
		}
	}
	return unique
}

// stripOrdinalDot removes a leading "1." list marker but leaves "1.5" intact.
func stripOrdinalDot(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i == 0 {
		return line
	}
	j := i
	for j < len(line) && (line[j] == ' ' || line[j] == '\t') {
		j++
	}
	if j >= len(line) || line[j] != '.' {
		return line
	}
	if j+1 < len(line) && line[j+1] >= '0' && line[j+1] <= '9' {
		return line
	}
	return strings.TrimSpace(line[j+1:])
}

// splitDigitRanges replaces dashes between digits with spaces, e.g. "3000-3050".
func splitDigitRanges(s string) string {
	runes := []rune(s)
	for i := 1; i < len(runes)-1; i++ {
		if (runes[i] == '-' || runes[i] == '–') && isDigitRune(runes[i-1]) && isDigitRune(runes[i+1]) {
			runes[i] = ' '
		}
	}
	return string(runes)
}

func isDigitRune(r rune) bool { return r >= '0' && r <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func joinPrices(prices []float64) string {
	parts := make([]string, len(prices))
	for i, p := range prices {
		parts[i] = formatPrice(p)
	}
	return strings.Join(parts, ", ")
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
