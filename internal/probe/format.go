package probe

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// number formats n with thousand separators, e.g. 48000 => "48,000".
func number(n int64) string {
	return printer.Sprintf("%d", n)
}

// bitRate formats bits per second with SI prefixes, e.g. 1536000 => "1.5 Mb/s".
func bitRate(bps int64) string {
	return humanize.SIWithDigits(float64(bps), 1, "b/s")
}

// clock formats d as H:MM:SS.mmm.
func clock(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%d:%02d:%02d.%03d", h, m, s, d/time.Millisecond)
}

// languageName returns the English display name of an ISO 639 code, or ""
// when the code is unknown or undetermined.
func languageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil || tag == language.Und {
		return ""
	}
	return display.English.Tags().Name(tag)
}
