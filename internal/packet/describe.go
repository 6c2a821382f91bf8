package packet

import "strings"

// Describe renders the known keys of a frame as readable phrases, always in
// the same order. For logs only.
func Describe(f Frame) string {
	var parts []string
	if f.Has(KeySync) {
		parts = append(parts, "Sync")
	}
	if v, ok := f[KeyTemp]; ok {
		parts = append(parts, "Temp "+v+"°F")
	}
	if v, ok := f[KeyHumidity]; ok {
		parts = append(parts, "Humidity "+v+"%")
	}
	if v, ok := f[KeyMax]; ok {
		parts = append(parts, "Max "+v)
	}
	if v, ok := f[KeyMin]; ok {
		parts = append(parts, "Min "+v)
	}
	if f.Has(KeyActuator) {
		parts = append(parts, "AC "+onOff(f.Flag(KeyActuator)))
	}
	if f.Has(KeyAllow) {
		if f.Flag(KeyAllow) {
			parts = append(parts, "Allow Yes")
		} else {
			parts = append(parts, "Allow No")
		}
	}
	if v, ok := f[KeyBrightness]; ok {
		parts = append(parts, "Brightness "+v+"%")
	}
	if f.Has(KeyHeartbeat) {
		parts = append(parts, "Heartbeat")
	}
	if f.Has(KeyQuery) {
		parts = append(parts, "Query State")
	}
	if f.Has(KeyReset) {
		parts = append(parts, "Reset")
	}
	if f.Has(KeyToggle) {
		parts = append(parts, "Toggle Perm")
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, ", ")
}

// DescribeMessage returns "raw (description)" for frames and the raw text
// for anything else.
func DescribeMessage(text string) string {
	frame, err := Decode(text)
	if err != nil {
		return text
	}
	return text + " (" + Describe(frame) + ")"
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
