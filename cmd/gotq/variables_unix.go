//go:build !windows
// +build !windows

package main

import (
	"fmt"

	"gitlab.com/poldi1405/go-ansi"
)

var (
	fill, empty = "█", " "
	r, l        = "|", "|"
)

func color(content ...interface{}) string {
	return ansi.Blue(fmt.Sprint(content...))
}
