package meshmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModemPresetName(t *testing.T) {
	cases := map[int32]string{
		0: "LongFast",
		1: "LongSlow",
		2: "VeryLongSlow",
		3: "MediumSlow",
		4: "MediumFast",
		5: "ShortSlow",
		6: "ShortFast",
		7: "LongModerate",
		8: "ShortTurbo",
		9: "",
		-1: "",
	}
	for preset, want := range cases {
		assert.Equal(t, want, ModemPresetName(preset))
	}
}

func TestScaledCoordinateNil(t *testing.T) {
	_, ok := ScaledCoordinate(nil)
	assert.False(t, ok)
}
