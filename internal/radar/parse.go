package radar

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/kerbside-data/trafficwatch/internal/units"
)

// ErrUnrecognizedFrame marks a line matching none of the supported formats.
var ErrUnrecognizedFrame = errors.New("radar: unrecognized frame")

// ErrNotSpeed marks a well-formed frame carrying no speed reading, such as a
// range-only report or a config echo. These are dropped without counting as
// parse failures.
var ErrNotSpeed = errors.New("radar: frame carries no speed")

// Frame is one parsed radar report in the device's native units.
type Frame struct {
	Speed     float64
	Unit      string // empty when the frame declared none
	Magnitude float64
}

// jsonFrame covers the device's JSON output mode. Speed and range arrive as
// either numbers or quoted numbers depending on firmware revision.
type jsonFrame struct {
	Speed     *jsonNumber `json:"speed"`
	Range     *jsonNumber `json:"range"`
	Unit      string      `json:"unit"`
	Magnitude *jsonNumber `json:"magnitude"`
}

type jsonNumber float64

func (n *jsonNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*n = jsonNumber(f)
	return nil
}

// ParseFrame parses one newline-terminated radar report. Formats are tried in
// order: JSON object, CSV `"<unit>",<value>`, whitespace `<value> <unit>`,
// bare numeric.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Frame{}, ErrUnrecognizedFrame
	}

	if strings.HasPrefix(line, "{") {
		return parseJSONFrame(line)
	}
	if f, err := parseCSVFrame(line); err == nil {
		return f, nil
	}
	if f, err := parseUnitSuffixFrame(line); err == nil {
		return f, nil
	}
	if v, err := strconv.ParseFloat(line, 64); err == nil {
		return Frame{Speed: v}, nil
	}
	return Frame{}, ErrUnrecognizedFrame
}

func parseJSONFrame(line string) (Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal([]byte(line), &jf); err != nil {
		return Frame{}, ErrUnrecognizedFrame
	}
	if jf.Speed == nil {
		if jf.Range != nil {
			return Frame{}, ErrNotSpeed
		}
		return Frame{}, ErrUnrecognizedFrame
	}
	f := Frame{Speed: float64(*jf.Speed), Unit: normalizeUnit(jf.Unit)}
	if jf.Magnitude != nil {
		f.Magnitude = float64(*jf.Magnitude)
	}
	return f, nil
}

// parseCSVFrame handles the legacy `"mph",25.3` output format.
func parseCSVFrame(line string) (Frame, error) {
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return Frame{}, ErrUnrecognizedFrame
	}
	unit := normalizeUnit(strings.Trim(strings.TrimSpace(parts[0]), `"`))
	if !units.IsValid(unit) {
		return Frame{}, ErrUnrecognizedFrame
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Frame{}, ErrUnrecognizedFrame
	}
	return Frame{Speed: v, Unit: unit}, nil
}

// parseUnitSuffixFrame handles `25.3 mph` style output.
func parseUnitSuffixFrame(line string) (Frame, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Frame{}, ErrUnrecognizedFrame
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Frame{}, ErrUnrecognizedFrame
	}
	unit := normalizeUnit(fields[1])
	if !units.IsValid(unit) {
		return Frame{}, ErrUnrecognizedFrame
	}
	return Frame{Speed: v, Unit: unit}, nil
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	switch u {
	case "m/s":
		return units.MPS
	case "ft/s":
		return units.FPS
	case "km/h":
		return units.KPH
	default:
		return u
	}
}
