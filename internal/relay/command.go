package relay

import (
	"strconv"
	"strings"
)

// Kind is a decoded client command.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindACStatus
	KindPermStatus
	KindTogglePerm
	KindTurnOn
	KindTurnOff
	KindGetTemps
	KindSetTemps
	KindResetNode
	KindCurrentTemp
	KindSetBrightness
	KindShutDown
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindStatus:        "status",
	KindACStatus:      "AC_Status",
	KindPermStatus:    "AC_Perm_Status",
	KindTogglePerm:    "ToggleAC",
	KindTurnOn:        "TurnOnAC",
	KindTurnOff:       "TurnOffAC",
	KindGetTemps:      "getTemps",
	KindSetTemps:      "setTemps",
	KindResetNode:     "ResetNode",
	KindCurrentTemp:   "current_temp",
	KindSetBrightness: "setBrightness",
	KindShutDown:      "shut_down",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// exact-match vocabulary
var words = map[string]Kind{
	"status":         KindStatus,
	"AC_Status":      KindACStatus,
	"AC_Perm_Status": KindPermStatus,
	"ToggleAC":       KindTogglePerm,
	"TurnOnAC":       KindTurnOn,
	"TurnOffAC":      KindTurnOff,
	"getTemps":       KindGetTemps,
	"ResetNode":      KindResetNode,
	"current_temp":   KindCurrentTemp,
	"shut_down":      KindShutDown,
}

const (
	prefixSetTemps      = "setTemps:"
	prefixSetBrightness = "setBrightness:"
)

// Command is one client request decoded at the relay boundary.
type Command struct {
	Kind Kind
	Raw  string

	// Invalid is set for setTemps / setBrightness with a malformed argument.
	Invalid bool

	Max, Min   float64 // setTemps
	Brightness int     // setBrightness, clamped to 0-100
}

// Parse decodes a trimmed command line.
func Parse(text string) Command {
	cmd := Command{Raw: text}

	if k, ok := words[text]; ok {
		cmd.Kind = k
		return cmd
	}

	switch {
	case strings.HasPrefix(text, prefixSetBrightness):
		cmd.Kind = KindSetBrightness
		v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(text, prefixSetBrightness)))
		if err != nil {
			cmd.Invalid = true
			return cmd
		}
		cmd.Brightness = max(0, min(100, v))

	case strings.HasPrefix(text, prefixSetTemps):
		cmd.Kind = KindSetTemps
		hi, lo, ok := strings.Cut(strings.TrimPrefix(text, prefixSetTemps), ",")
		if !ok || strings.Contains(lo, ",") {
			cmd.Invalid = true
			return cmd
		}
		var err1, err2 error
		cmd.Max, err1 = strconv.ParseFloat(strings.TrimSpace(hi), 64)
		cmd.Min, err2 = strconv.ParseFloat(strings.TrimSpace(lo), 64)
		if err1 != nil || err2 != nil {
			cmd.Invalid = true
		}
	}
	return cmd
}
