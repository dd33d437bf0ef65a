// File: internal/browser/launch.go
package browser

import (
	"strings"
	"time"

	"github.com/xkilldash9x/renderpool/internal/config"
)

// LaunchOptions is the backend independent part of the driver configuration.
type LaunchOptions struct {
	ExecutablePath  string
	RemoteEndpoint  string
	Headless        bool
	IgnoreTLSErrors bool
	Args            []string
	StartupTimeout  time.Duration
}

// LaunchOptionsFromConfig maps the driver section of the configuration.
func LaunchOptionsFromConfig(cfg config.DriverConfig) LaunchOptions {
	return LaunchOptions{
		ExecutablePath:  cfg.ExecutablePath,
		RemoteEndpoint:  cfg.RemoteEndpoint,
		Headless:        cfg.Headless,
		IgnoreTLSErrors: cfg.IgnoreTLSErrors,
		Args:            cfg.Args,
		StartupTimeout:  cfg.StartupTimeout,
	}
}

// Remote reports whether the options target an already running browser.
func (o LaunchOptions) Remote() bool {
	return o.RemoteEndpoint != ""
}

// Flag is one parsed command line switch. An empty Value denotes a boolean
// switch; Off marks a switch turned off with =false.
type Flag struct {
	Name  string
	Value string
	Off   bool
}

// Arg renders the flag back into its --name[=value] form. A switched off flag
// renders as the empty string.
func (f Flag) Arg() string {
	switch {
	case f.Off:
		return ""
	case f.Value == "":
		return "--" + f.Name
	}
	return "--" + f.Name + "=" + f.Value
}

// ParseFlags splits --name=value style arguments. Leading dashes are optional,
// blank entries are skipped and a repeated name keeps its last value at the
// position of its first occurrence. The values true and false toggle a
// boolean switch instead of being passed on literally.
func ParseFlags(args []string) []Flag {
	var flags []Flag
	index := make(map[string]int, len(args))
	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		name, value, _ := strings.Cut(arg, "=")
		name = strings.TrimLeft(name, "-")
		if name == "" {
			continue
		}
		f := Flag{Name: name, Value: value}
		switch strings.ToLower(value) {
		case "true":
			f.Value = ""
		case "false":
			f.Value, f.Off = "", true
		}
		if i, ok := index[name]; ok {
			flags[i] = f
			continue
		}
		index[name] = len(flags)
		flags = append(flags, f)
	}
	return flags
}

// StartupFlags returns the switches every locally launched browser receives:
// the headless and certificate defaults followed by the user supplied arguments,
// which take precedence.
func (o LaunchOptions) StartupFlags() []Flag {
	var defaults []string
	if o.Headless {
		defaults = append(defaults, "--headless")
	}
	if o.IgnoreTLSErrors {
		defaults = append(defaults, "--ignore-certificate-errors")
	}
	return ParseFlags(append(defaults, o.Args...))
}

// HeadlessMode reports whether the browser runs headless once the user
// supplied arguments have been applied on top of Headless.
func (o LaunchOptions) HeadlessMode() bool {
	for _, f := range o.StartupFlags() {
		if f.Name == "headless" {
			return !f.Off
		}
	}
	return false
}
