package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/renderpool/internal/config"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []Flag
	}{
		{"empty", nil, nil},
		{"boolean", []string{"--mute-audio"}, []Flag{{Name: "mute-audio"}}},
		{"value", []string{"--window-size=1280,720"}, []Flag{{Name: "window-size", Value: "1280,720"}}},
		{"value containing equals", []string{"--proxy-server=http://u=1@h"}, []Flag{{Name: "proxy-server", Value: "http://u=1@h"}}},
		{"no dashes", []string{"lang=de"}, []Flag{{Name: "lang", Value: "de"}}},
		{"blanks skipped", []string{"", "  ", "--", "--a"}, []Flag{{Name: "a"}}},
		{"last value wins", []string{"--lang=en", "--b", "--lang=fr"}, []Flag{{Name: "lang", Value: "fr"}, {Name: "b"}}},
		{"explicit true", []string{"--mute-audio=true"}, []Flag{{Name: "mute-audio"}}},
		{"explicit false", []string{"--mute-audio=FALSE"}, []Flag{{Name: "mute-audio", Off: true}}},
		{"false then true", []string{"--a=false", "--a"}, []Flag{{Name: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFlags(tt.args))
		})
	}
}

func TestLaunchOptions_StartupFlags(t *testing.T) {
	opts := LaunchOptionsFromConfig(config.DriverConfig{
		ExecutablePath:  "/usr/bin/chromium",
		Headless:        true,
		IgnoreTLSErrors: true,
		Args:            []string{"--window-size=800,600", "--headless=new"},
	})
	assert.False(t, opts.Remote())
	assert.Equal(t, []Flag{
		{Name: "headless", Value: "new"},
		{Name: "ignore-certificate-errors"},
		{Name: "window-size", Value: "800,600"},
	}, opts.StartupFlags())

	assert.Equal(t, "--headless=new", opts.StartupFlags()[0].Arg())
	assert.Equal(t, "--ignore-certificate-errors", opts.StartupFlags()[1].Arg())

	assert.True(t, opts.HeadlessMode())

	headful := LaunchOptions{RemoteEndpoint: "ws://127.0.0.1:9222"}
	assert.True(t, headful.Remote())
	assert.Empty(t, headful.StartupFlags())
}

func TestLaunchOptions_HeadlessOverride(t *testing.T) {
	opts := LaunchOptions{Headless: true, Args: []string{"--headless=false"}}
	assert.Equal(t, []Flag{{Name: "headless", Off: true}}, opts.StartupFlags())
	assert.False(t, opts.HeadlessMode())
	assert.Empty(t, opts.StartupFlags()[0].Arg())

	opts = LaunchOptions{Args: []string{"--headless=true"}}
	assert.True(t, opts.HeadlessMode())
	assert.Equal(t, "--headless", opts.StartupFlags()[0].Arg())

	assert.False(t, LaunchOptions{}.HeadlessMode())
}
