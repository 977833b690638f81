package proto_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmrithrottle/gateway/pkg/proto"
)

func TestMarker(t *testing.T) {
	assert.Equal(t, "S", proto.Marker(0))
	assert.Equal(t, "S", proto.Marker(127))
	assert.Equal(t, "L", proto.Marker(128))
	assert.Equal(t, "L", proto.Marker(9999))
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		msg  proto.Message
		want string
	}{
		{"add short", proto.New(5, proto.AddAddress), "MT+S5<;>S5"},
		{"add long", proto.New(3000, proto.AddAddress), "MT+L3000<;>L3000"},
		{"remove short", proto.New(5, proto.RemoveAddress), "MT-S5<;>S5"},
		{"remove long", proto.New(128, proto.RemoveAddress), "MT-L128<;>L128"},
		{"velocity", proto.New(3, proto.SetVelocity(20)), "MTAS3<;>V20"},
		{"emergency stop", proto.New(3, proto.SetVelocity(proto.EmergencyStop)), "MTAS3<;>V-1"},
		{"function pressed", proto.New(128, proto.FunctionPressed(2)), "MTAL128<;>F12"},
		{"function released", proto.New(128, proto.FunctionReleased(10)), "MTAL128<;>F010"},
		{"forward", proto.New(42, proto.SetDirection(proto.Forward)), "MTAS42<;>R1"},
		{"reverse", proto.New(42, proto.SetDirection(proto.Reverse)), "MTAS42<;>R0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := proto.Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeTimeIsRejected(t *testing.T) {
	_, err := proto.Encode(proto.New(0, proto.Time(12)))
	assert.ErrorIs(t, err, proto.ErrNotEncodable)
}

func TestDecodeAction(t *testing.T) {
	tests := []struct {
		action string
		want   proto.MessageType
	}{
		{"V5", proto.SetVelocity(5)},
		{"V-5", proto.SetVelocity(-5)},
		{"V0", proto.SetVelocity(0)},
		{"F110", proto.FunctionPressed(10)},
		{"F010", proto.FunctionReleased(10)},
		{"F10", proto.FunctionPressed(0)},
		{"R0", proto.SetDirection(proto.Reverse)},
		{"R1", proto.SetDirection(proto.Forward)},
	}
	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			got, err := proto.DecodeAction(tt.action)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	_, ok, err := proto.Decode("MTAS3<;>X9")
	assert.False(t, ok)
	var pe *proto.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "X", pe.Opcode)
	assert.Equal(t, "MTAS3<;>X9", pe.Line)
	assert.Contains(t, err.Error(), `unrecognized opcode "X"`)
}

func TestDecodeStatusLinesAreDiscarded(t *testing.T) {
	for _, line := range []string{
		"PTA2LT12",
		"PTL]\\[Loco1}|{3}|{S",
		"RCD}|{Loco1",
		"PTT]\\[Turnouts}|{Turnout",
		"PRT]\\[Routes}|{Route",
		"PRL]\\[IR1}|{Main}|{2",
		"RL2]\\[Loco1}|{3}|{S",
	} {
		m, ok, err := proto.Decode(line)
		assert.NoError(t, err, line)
		assert.False(t, ok, line)
		assert.Equal(t, proto.Message{}, m, line)
	}
}

func TestDecodeTime(t *testing.T) {
	m, ok, err := proto.Decode("PFT1699999999<;>2.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.New(0, proto.Time(1699999999)), m)

	_, _, err = proto.Decode("PFT<;>2.0")
	assert.Error(t, err)
}

func TestDecodeThrottleLines(t *testing.T) {
	tests := []struct {
		line string
		want proto.Message
	}{
		{"MTAS3<;>V20", proto.New(3, proto.SetVelocity(20))},
		{"MTAL128<;>V-1", proto.New(128, proto.SetVelocity(-1))},
		{"MTAL128<;>F110", proto.New(128, proto.FunctionPressed(10))},
		{"MTAS7<;>F05", proto.New(7, proto.FunctionReleased(5))},
		{"MTAS7<;>R0", proto.New(7, proto.SetDirection(proto.Reverse))},
		{"MT+S5<;>", proto.New(5, proto.AddAddress)},
		{"MT+L3000<;>", proto.New(3000, proto.AddAddress)},
		{"MT-S5<;>", proto.New(5, proto.RemoveAddress)},
		{"MT-L128<;>r", proto.New(128, proto.RemoveAddress)},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok, err := proto.Decode(tt.line)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, line := range []string{"MTA<;>V5", "MTAS3", "MTAS3<;>"} {
		_, ok, err := proto.Decode(line)
		assert.False(t, ok, line)
		assert.Error(t, err, line)
	}
}

// Actions survive encode then decode; address acquire/release do not.
func TestActionRoundTrip(t *testing.T) {
	types := []proto.MessageType{
		proto.SetVelocity(proto.EmergencyStop),
		proto.SetVelocity(proto.Stop),
		proto.SetVelocity(proto.MaxSpeedStep),
		proto.FunctionPressed(0),
		proto.FunctionPressed(28),
		proto.FunctionReleased(10),
		proto.SetDirection(proto.Forward),
		proto.SetDirection(proto.Reverse),
	}
	for _, addr := range []proto.Address{3, 128} {
		for _, mt := range types {
			line, err := proto.Encode(proto.New(addr, mt))
			require.NoError(t, err)
			_, action, found := strings.Cut(line, proto.Delimiter)
			require.True(t, found)

			got, err := proto.DecodeAction(action)
			require.NoError(t, err, line)
			assert.Equal(t, mt, got, line)

			full, ok, err := proto.Decode(line)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, proto.New(addr, mt), full)
		}
	}
}

func TestAddressEncodingIsAsymmetric(t *testing.T) {
	line, err := proto.Encode(proto.New(5, proto.AddAddress))
	require.NoError(t, err)
	_, action, _ := strings.Cut(line, proto.Delimiter)

	// the outbound action segment repeats the address, it is not an opcode
	_, err = proto.DecodeAction(action)
	var pe *proto.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "S", pe.Opcode)

	// the full line is recognised from the head only
	m, ok, err := proto.Decode(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, proto.New(5, proto.AddAddress), m)
}
