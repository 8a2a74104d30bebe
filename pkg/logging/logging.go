// Package logging provides the shared colored stderr logger used by
// the cmd binaries. Library packages take an injected *slog.Logger
// instead of importing this package.
package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

var Logger *slog.Logger

func init() {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
		AddSource:  true,
	})

	Logger = slog.New(handler)
}
