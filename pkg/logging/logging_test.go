package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"info", InfoLevel, false},
		{"", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"verbose", InfoLevel, true},
	}
	for _, c := range cases {
		got, err := ParseLevel(c.in)
		if c.wantErr {
			assert.Error(t, err, "level %q", c.in)
			continue
		}
		require.NoError(t, err, "level %q", c.in)
		assert.Equal(t, c.want, got, "level %q", c.in)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	SetLevel(WarnLevel)
	Debugf("hidden debug %d", 1)
	Infof("hidden info %d", 2)
	Warnf("visible warn %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden debug")
	assert.NotContains(t, out, "hidden info")
	assert.Contains(t, out, "visible warn 3")

	SetLevel(InfoLevel)
}

func TestEnableFileLogging(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnableFileLogging(dir, "engine.log", 1, 1, 1))
	defer SetOutput(os.Stdout)

	SetLevel(InfoLevel)
	Infof("file logging probe")

	data, err := os.ReadFile(filepath.Join(dir, "engine.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "file logging probe")
}
