package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgrayson/obdash/internal/telemetry"
)

func TestParseResponsePlain(t *testing.T) {
	data, noData, err := parseResponse("410C1AF8\r\r>", PIDRPM)
	require.NoError(t, err)
	assert.False(t, noData)
	assert.Equal(t, []byte{0x1A, 0xF8}, data)
}

func TestParseResponseWithEchoAndSpaces(t *testing.T) {
	// echo on, spaces on, SEARCHING banner from a cold bus
	raw := "010C\rSEARCHING...\r41 0C 1A F8\r\r>"
	data, noData, err := parseResponse(raw, PIDRPM)
	require.NoError(t, err)
	assert.False(t, noData)
	assert.Equal(t, []byte{0x1A, 0xF8}, data)
}

func TestParseResponseNoData(t *testing.T) {
	_, noData, err := parseResponse("NO DATA\r\r>", PIDMAF)
	require.NoError(t, err)
	assert.True(t, noData)
}

func TestParseResponseBusError(t *testing.T) {
	_, _, err := parseResponse("UNABLE TO CONNECT\r\r>", PIDRPM)
	assert.Error(t, err)
}

func TestParseResponseWrongPID(t *testing.T) {
	_, _, err := parseResponse("410D40\r\r>", PIDRPM)
	assert.Error(t, err)
}

func TestExpandSupportBitmap(t *testing.T) {
	// 0xBE1FA813 is a common 0100 answer
	pids := expandSupportBitmap(0x00, []byte{0xBE, 0x1F, 0xA8, 0x13})
	assert.Contains(t, pids, PIDCoolantTemp)
	assert.Contains(t, pids, PIDRPM)
	assert.Contains(t, pids, PIDSpeed)
	assert.Contains(t, pids, PIDIntakeTemp)
	assert.Contains(t, pids, PIDMAF)
	// 0x1F has bit 5 clear: this vehicle reports no MAP sensor
	assert.NotContains(t, pids, PIDIntakePressure)
}

func TestExpandSupportBitmapBits(t *testing.T) {
	// single bit: MSB of first byte advertises rangePID+1
	assert.Equal(t, []PID{0x01}, expandSupportBitmap(0x00, []byte{0x80, 0, 0, 0}))
	// LSB of fourth byte advertises rangePID+32 (the next-range flag)
	assert.Equal(t, []PID{0x40}, expandSupportBitmap(0x20, []byte{0, 0, 0, 0x01}))
}

func TestStandardDecoders(t *testing.T) {
	rpm, err := decodeRPM([]byte{0x1A, 0xF8})
	require.NoError(t, err)
	f, _ := rpm.Float()
	assert.InDelta(t, 1726.0, f, 1e-9) // (0x1AF8)/4

	maf, err := decodeMAF([]byte{0x02, 0x6A})
	require.NoError(t, err)
	f, _ = maf.Float()
	assert.InDelta(t, 6.18, f, 1e-9)

	temp, err := decodeTemp([]byte{0x5A})
	require.NoError(t, err)
	f, _ = temp.Float()
	assert.Equal(t, 50.0, f)

	timing, err := decodeTiming([]byte{0x90})
	require.NoError(t, err)
	f, _ = timing.Float()
	assert.Equal(t, 8.0, f)

	o2, err := decodeO2Voltage([]byte{0x64})
	require.NoError(t, err)
	f, _ = o2.Float()
	assert.Equal(t, 0.5, f)

	pct, err := decodePercent([]byte{0xFF})
	require.NoError(t, err)
	f, _ = pct.Float()
	assert.Equal(t, 100.0, f)
}

func TestStandardDecodersShortPayload(t *testing.T) {
	_, err := decodeRPM([]byte{0x1A})
	assert.Error(t, err)
	_, err = decodeTemp(nil)
	assert.Error(t, err)
}

func TestVendorChannelRegistration(t *testing.T) {
	e := NewELM327(ELM327Config{})
	e.RegisterVendorChannel(0xE5, "OIL_PRESSURE_VENDOR", func(data []byte) telemetry.Value {
		return telemetry.Num(float64(data[0]))
	})

	specs := e.VendorChannels()
	require.Len(t, specs, 1)
	assert.Equal(t, "OIL_PRESSURE_VENDOR", specs[0].Name)
	assert.Equal(t, PID(0xE5), specs[0].PID)

	v, err := specs[0].Decode([]byte{0x2C})
	require.NoError(t, err)
	f, ok := v.Float()
	assert.True(t, ok)
	assert.Equal(t, 44.0, f)
}
