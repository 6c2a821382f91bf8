package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse_Vocabulary(t *testing.T) {
	tests := []struct {
		text string
		want Kind
	}{
		{"status", KindStatus},
		{"AC_Status", KindACStatus},
		{"AC_Perm_Status", KindPermStatus},
		{"ToggleAC", KindTogglePerm},
		{"TurnOnAC", KindTurnOn},
		{"TurnOffAC", KindTurnOff},
		{"getTemps", KindGetTemps},
		{"ResetNode", KindResetNode},
		{"current_temp", KindCurrentTemp},
		{"shut_down", KindShutDown},
		{"turnonac", KindUnknown},
		{"hello", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd := Parse(tt.text)
			assert.Equal(t, tt.want, cmd.Kind)
			assert.Equal(t, tt.text, cmd.Raw)
		})
	}
}

func TestParse_SetTemps(t *testing.T) {
	cmd := Parse("setTemps:80, 70.5")
	assert.Equal(t, KindSetTemps, cmd.Kind)
	assert.False(t, cmd.Invalid)
	assert.Equal(t, 80.0, cmd.Max)
	assert.Equal(t, 70.5, cmd.Min)

	for _, bad := range []string{"setTemps:80", "setTemps:80,70,60", "setTemps:hot,cold", "setTemps:"} {
		cmd := Parse(bad)
		assert.Equal(t, KindSetTemps, cmd.Kind, bad)
		assert.True(t, cmd.Invalid, bad)
	}
}

func TestParse_SetBrightness(t *testing.T) {
	assert.Equal(t, 40, Parse("setBrightness:40").Brightness)
	assert.Equal(t, 100, Parse("setBrightness:250").Brightness)
	assert.Equal(t, 0, Parse("setBrightness:-5").Brightness)

	cmd := Parse("setBrightness:dim")
	assert.Equal(t, KindSetBrightness, cmd.Kind)
	assert.True(t, cmd.Invalid)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "TurnOnAC", KindTurnOn.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
