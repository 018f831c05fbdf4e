package utils

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/withObsrvr/mkpipe/pkg/manifest"
)

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// FormatError formats an error message with additional context
func FormatError(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// StatusColor returns the colour a manifest status is printed in.
func StatusColor(s manifest.Status) *color.Color {
	switch {
	case s == manifest.StatusCompleted:
		return color.New(color.FgGreen)
	case s == manifest.StatusFailed:
		return color.New(color.FgRed)
	case s.InFlight():
		return color.New(color.FgYellow)
	}
	return color.New(color.Reset)
}
