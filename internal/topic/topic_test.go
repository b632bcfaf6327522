package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS6(t *testing.T) {
	p := Parse("msh/US/bayarea/2/e/MediumFast/!4049c6f4/json")
	require.NotNil(t, p.ChannelName)
	assert.Equal(t, "MediumFast", *p.ChannelName)
	require.NotNil(t, p.GatewayID)
	assert.Equal(t, uint32(0x4049c6f4), *p.GatewayID)
}

func TestParseNoGateway(t *testing.T) {
	p := Parse("msh/US/bayarea/2/e/MediumFast")
	require.NotNil(t, p.ChannelName)
	assert.Equal(t, "MediumFast", *p.ChannelName)
	assert.Nil(t, p.GatewayID)
}

func TestParseChannelStartsWithBang(t *testing.T) {
	p := Parse("msh/US/bayarea/2/e/!4049c6f4/json")
	assert.Nil(t, p.ChannelName)
	require.NotNil(t, p.GatewayID)
	assert.Equal(t, uint32(0x4049c6f4), *p.GatewayID)
}

func TestParseNoEsegment(t *testing.T) {
	p := Parse("some/other/topic")
	assert.Nil(t, p.ChannelName)
	assert.Nil(t, p.GatewayID)
}
