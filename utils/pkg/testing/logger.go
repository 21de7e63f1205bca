package chainparsetesting

import (
	"log/slog"
	"os"

	"github.com/polygonetl/chainparse/utils/pkg/logger"
)

// NewLogger returns a test logger whose level follows the DEBUG env var:
// "2" for debug, "1" for info, errors only otherwise.
func NewLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		level = slog.LevelError
	}
	return logger.NewWithOptions(logger.Options{Writer: os.Stderr, Level: level, NoColor: true})
}
