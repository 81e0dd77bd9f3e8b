package main

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensepost/mallet-relay/internal/socks5"
)

func TestParseTCPKeepAlive(t *testing.T) {
	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:15:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 15 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:15", wantErr: true},
		{in: "0:15:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:15:-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTCPKeepAlive(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAuth(t *testing.T) {
	got, err := parseAuth("")
	require.NoError(t, err)
	assert.Equal(t, socks5.Auth{}, got)

	got, err = parseAuth("user:p:ss")
	require.NoError(t, err)
	assert.Equal(t, socks5.Auth{Username: "user", Password: "p:ss"}, got)

	_, err = parseAuth("nopass")
	require.Error(t, err)
	_, err = parseAuth(":pass")
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "warn", "json")
	require.NoError(t, err)

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	_, err = newLogger(&buf, "loud", "json")
	require.Error(t, err)
	_, err = newLogger(&buf, "info", "xml")
	require.Error(t, err)
	_, err = newLogger(&buf, "", "console")
	require.Error(t, err)
}
