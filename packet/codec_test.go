package packet

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/gantrybridge/errors"
	"github.com/c360/gantrybridge/gantry"
)

func TestCommandPayload(t *testing.T) {
	data, err := EncodeCommand(Command{
		GantryServer: "R01-R-MX20017",
		Command:      gantry.Command{Device: 3, SubDevice: 0, MessageID: 1, Validity: 60},
	})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"gantry_server":"R01-R-MX20017","command":{"device":3,"sub_device":0,"message_id":1,"validity":60}}`,
		string(data))

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	assert.Equal(t, "R01-R-MX20017", cmd.GantryServer)
	assert.Equal(t, 1, cmd.Command.MessageID)
}

func TestDecodeCommandErrors(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"command":{"device":3}}`))
	assert.ErrorIs(t, err, errors.ErrFraming)
	assert.True(t, errors.IsInvalid(err))

	_, err = DecodeCommand([]byte(`not json`))
	assert.ErrorIs(t, err, errors.ErrFraming)
}

func TestConfigPayload(t *testing.T) {
	data, err := EncodeConfig(EngineConfig{Synchronous: true})
	require.NoError(t, err)
	assert.Equal(t, `{"synchronous":true}`, string(data))

	cfg, err := DecodeConfig(data)
	require.NoError(t, err)
	assert.True(t, cfg.Synchronous)
}

func TestBatchPayload(t *testing.T) {
	var m gantry.Measurement
	m.Count[gantry.CategoryAll] = 12
	m.Speed[gantry.CategoryAll] = 87.5
	b := Batch{
		Time: "2014-03-01 07:15:00",
		Readings: []Reading{{
			Name:        "LD13501",
			Map:         gantry.DetectorMap{GantryServer: "R01", Device: 20, Lane: 1, Prefix: "LD13501"},
			Measurement: m,
		}},
	}
	data, err := EncodeBatch(b)
	require.NoError(t, err)

	got, err := DecodeBatch(data)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestEncodeBatchTooLarge(t *testing.T) {
	b := Batch{Time: strings.Repeat("x", MaxPayload)}
	_, err := EncodeBatch(b)
	assert.ErrorIs(t, err, errors.ErrHeaderOverflow)
	assert.True(t, errors.IsFatal(err))
}
