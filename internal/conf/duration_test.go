package conf

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  Duration
	}{
		{"string seconds", `"30s"`, Duration(30 * time.Second)},
		{"string hours", `"24h"`, Duration(24 * time.Hour)},
		{"composite", `"1h30m"`, Duration(90 * time.Minute)},
		{"nanoseconds", `5000000000`, Duration(5 * time.Second)},
		{"null", `null`, Duration(0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var d Duration
			require.NoError(t, json.Unmarshal([]byte(tt.input), &d))
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestDuration_JSONRejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, input := range []string{`"soon"`, `true`, `[1]`} {
		var d Duration
		assert.Error(t, json.Unmarshal([]byte(input), &d), "input %s", input)
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		TTL Duration `json:"ttl"`
	}{TTL: Duration(24 * time.Hour)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ttl":"24h0m0s"}`, string(b))
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	type notifyConfig struct {
		TTL Duration `yaml:"ttl"`
	}

	out, err := yaml.Marshal(notifyConfig{TTL: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "1m30s")

	var cfg notifyConfig
	require.NoError(t, yaml.Unmarshal(out, &cfg))
	assert.Equal(t, Duration(90*time.Second), cfg.TTL)

	var legacy notifyConfig
	require.NoError(t, yaml.Unmarshal([]byte("ttl: 2000000000"), &legacy))
	assert.Equal(t, Duration(2*time.Second), legacy.TTL)

	var bad notifyConfig
	assert.Error(t, yaml.Unmarshal([]byte("ttl: whenever"), &bad))
}

func TestDecodeHook(t *testing.T) {
	t.Parallel()

	type target struct {
		Timeout Duration      `mapstructure:"timeout"`
		Retry   time.Duration `mapstructure:"retry"`
		Paths   []string      `mapstructure:"paths"`
	}

	var out target
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: DecodeHook(),
		Result:     &out,
	})
	require.NoError(t, err)

	require.NoError(t, dec.Decode(map[string]any{
		"timeout": "15s",
		"retry":   "2s",
		"paths":   "/,/index.html",
	}))

	assert.Equal(t, Duration(15*time.Second), out.Timeout)
	assert.Equal(t, 2*time.Second, out.Retry)
	assert.Equal(t, []string{"/", "/index.html"}, out.Paths)
	assert.Equal(t, 15*time.Second, out.Timeout.Std())
}
