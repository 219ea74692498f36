// internal/driver/cdpdriver/allocator.go
package cdpdriver

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/sentinel/internal/config"
)

const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// allocatorFlags builds the Chrome command line flags for cfg. Args of the
// form "--key=value" become string flags, bare "--key" boolean ones.
func allocatorFlags(cfg config.BrowserConfig) map[string]interface{} {
	flags := map[string]interface{}{
		"no-sandbox":               true,
		"disable-gpu":              true,
		"disable-dev-shm-usage":    true,
		"enable-automation":        true,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
	if cfg.Headless {
		flags["headless"] = true
		flags["hide-scrollbars"] = true
		flags["mute-audio"] = true
	}
	if cfg.IgnoreTLSErrors {
		flags["ignore-certificate-errors"] = true
		flags["allow-insecure-localhost"] = true
	}
	for _, arg := range cfg.Args {
		arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
		if arg == "" {
			continue
		}
		if key, value, found := strings.Cut(arg, "="); found {
			flags[key] = value
		} else {
			flags[arg] = true
		}
	}
	return flags
}

func viewport(cfg config.BrowserConfig) (int, int) {
	w, h := cfg.Viewport["width"], cfg.Viewport["height"]
	if w <= 0 {
		w = defaultViewportWidth
	}
	if h <= 0 {
		h = defaultViewportHeight
	}
	return w, h
}

// AllocatorOptions returns the exec allocator options for a local Chrome.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	w, h := viewport(cfg)
	opts := []chromedp.ExecAllocatorOption{chromedp.WindowSize(w, h)}
	for key, value := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(key, value))
	}
	return opts
}
