package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogInterceptor_PrefixesCompleteLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	n, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	_, err = li.Write([]byte("ond\n"))
	require.NoError(t, err)
	_, err = li.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, li.Close())

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 time="))
	assert.True(t, strings.HasSuffix(lines[0], " first"))
	assert.True(t, strings.HasSuffix(lines[1], " second"))
	assert.True(t, strings.HasPrefix(lines[2], "line=3 "))
	assert.True(t, strings.HasSuffix(lines[2], " tail"))
}

func TestMultiLogHandler_FansOutByLevel(t *testing.T) {
	var debugOut, infoOut bytes.Buffer
	h := NewMultiLogHandler(
		slog.NewTextHandler(&debugOut, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&infoOut, &slog.HandlerOptions{Level: slog.LevelInfo}),
		nil,
	)
	logger := slog.New(h).With("mod", "sain")

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	logger.Debug("staged")
	logger.Info("applied")

	assert.Contains(t, debugOut.String(), "msg=staged")
	assert.Contains(t, debugOut.String(), "msg=applied")
	assert.NotContains(t, infoOut.String(), "msg=staged")
	assert.Contains(t, infoOut.String(), "mod=sain")
}
