package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTime_EpsilonComparisons(t *testing.T) {
	a := Time(1.0)
	b := Time(1.0 + 1e-12)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Before(b))
	assert.True(t, a.AtOrBefore(b))
	assert.True(t, Time(2).After(a))
	assert.False(t, TimeMax.Before(TimeMax))
}

func TestTime_MaxFormatting(t *testing.T) {
	assert.Equal(t, "max", TimeMax.String())
	assert.True(t, TimeMax.IsMax())
	assert.Equal(t, "1.5", Time(1.5).String())
	assert.Equal(t, time.Duration(1<<63-1), TimeMax.Duration())
}

func TestTime_DurationRoundTrip(t *testing.T) {
	d := 1500 * time.Millisecond
	assert.Equal(t, d, FromDuration(d).Duration())
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    Time
		wantErr bool
	}{
		{"0", 0, false},
		{"2.5", 2.5, false},
		{"250ms", 0.25, false},
		{"1m", 60, false},
		{"max", TimeMax, false},
		{"INF", TimeMax, false},
		{"1e30", TimeMax, false},
		{"", 0, true},
		{"-1", 0, true},
		{"-5s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseTime(tc.in)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrInvalidArgument, "%q", tc.in)
			continue
		}
		require.NoError(t, err, "%q", tc.in)
		assert.InDelta(t, float64(tc.want), float64(got), 1e-12, "%q", tc.in)
	}
}

func TestTime_UnmarshalYAML(t *testing.T) {
	var cfg struct {
		Period Time `yaml:"period"`
		Stop   Time `yaml:"stop"`
	}
	err := yaml.Unmarshal([]byte("period: 0.5\nstop: 10s\n"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, Time(0.5), cfg.Period)
	assert.Equal(t, Time(10), cfg.Stop)

	err = yaml.Unmarshal([]byte("period: [1]\n"), &cfg)
	assert.Error(t, err)
}

func TestMinMaxTime(t *testing.T) {
	assert.Equal(t, Time(1), MinTime(1, 2))
	assert.Equal(t, Time(2), MaxTime(1, 2))
}
