package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynaplexgo/dcl/config"
)

func TestNewFromConfigString_ParsesKeyValuePairs(t *testing.T) {
	params := config.NewFromConfigString("N=5000,num_gens=1,enable_sequential_halving")
	require.Equal(t, config.Params{
		"N":                          "5000",
		"num_gens":                   "1",
		"enable_sequential_halving": "",
	}, params)
}

func TestNewFromConfigString_EmptyStringYieldsEmptyParams(t *testing.T) {
	params := config.NewFromConfigString("")
	require.Empty(t, params)
}

func TestGetParamOr_ReturnsDefaultWhenKeyMissing(t *testing.T) {
	params := config.Params{}
	v, err := config.GetParamOr(params, "N", 42)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestGetParamOr_ParsesEachSupportedType(t *testing.T) {
	params := config.Params{
		"i":  "7",
		"i64": "9000000000",
		"f32": "1.5",
		"f64": "2.25",
		"s":   "hello",
	}
	i, err := config.GetParamOr(params, "i", 0)
	require.NoError(t, err)
	require.Equal(t, 7, i)

	i64, err := config.GetParamOr(params, "i64", int64(0))
	require.NoError(t, err)
	require.EqualValues(t, 9000000000, i64)

	f32, err := config.GetParamOr(params, "f32", float32(0))
	require.NoError(t, err)
	require.Equal(t, float32(1.5), f32)

	f64, err := config.GetParamOr(params, "f64", 0.0)
	require.NoError(t, err)
	require.Equal(t, 2.25, f64)

	s, err := config.GetParamOr(params, "s", "")
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestGetParamOr_BoolFlagPresentWithNoValueIsTrue(t *testing.T) {
	params := config.Params{"enable_sequential_halving": ""}
	v, err := config.GetParamOr(params, "enable_sequential_halving", false)
	require.NoError(t, err)
	require.True(t, v)
}

func TestGetParamOr_BoolAcceptsTrueFalseAndNumeric(t *testing.T) {
	for value, want := range map[string]bool{"true": true, "FALSE": false, "1": true, "0": false} {
		v, err := config.GetParamOr(config.Params{"b": value}, "b", !want)
		require.NoError(t, err)
		require.Equal(t, want, v, "value=%q", value)
	}
}

func TestGetParamOr_InvalidIntReturnsError(t *testing.T) {
	_, err := config.GetParamOr(config.Params{"N": "not-a-number"}, "N", 0)
	require.Error(t, err)
}

func TestGetParamOr_InvalidBoolReturnsError(t *testing.T) {
	_, err := config.GetParamOr(config.Params{"b": "maybe"}, "b", false)
	require.Error(t, err)
}

func TestPopParamOr_DeletesKeyOnSuccess(t *testing.T) {
	params := config.Params{"N": "10", "other": "x"}
	v, err := config.PopParamOr(params, "N", 0)
	require.NoError(t, err)
	require.Equal(t, 10, v)
	_, exists := params["N"]
	require.False(t, exists)
	require.Equal(t, config.Params{"other": "x"}, params)
}

func TestPopParamOr_LeavesParamsUntouchedOnError(t *testing.T) {
	params := config.Params{"N": "bogus"}
	_, err := config.PopParamOr(params, "N", 0)
	require.Error(t, err)
	_, exists := params["N"]
	require.True(t, exists)
}
