package main

import (
	"github.com/fatih/color"

	"github.com/hanpama/graphcache/internal/cache"
)

var (
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	keyColor     = color.New(color.Bold)
)

var freshnessColors = map[cache.Freshness]*color.Color{
	cache.Fresh:   color.New(color.FgGreen),
	cache.Stale:   color.New(color.FgYellow),
	cache.Expired: color.New(color.FgRed),
	cache.Missing: color.New(color.FgMagenta),
}

func freshness(f cache.Freshness) string {
	if c, ok := freshnessColors[f]; ok {
		return c.Sprint(f.String())
	}
	return f.String()
}
