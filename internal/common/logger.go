package common

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

// LogFileName is the daemon log inside Config.LogDir
const LogFileName = "whatsmytoken.log"

func consoleWriter() models.WriterConfiguration {
	return models.WriterConfiguration{
		Type:             models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		TextOutput:       true,
		DisableTimestamp: false,
	}
}

// SetupLogger builds the arbor logger from the [logging] section. File
// output goes to Config.LogDir.
func SetupLogger(config *Config) arbor.ILogger {
	logger := arbor.NewLogger()

	hasFileOutput := false
	hasStdoutOutput := false
	for _, output := range config.Logging.Output {
		switch output {
		case "file":
			hasFileOutput = true
		case "stdout", "console":
			hasStdoutOutput = true
		}
	}

	if hasFileOutput {
		logDir := config.LogDir()
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create logs directory: %v\n", err)
			hasStdoutOutput = true
		} else {
			logger = logger.WithFileWriter(fileWriter(config, logDir))
		}
	}

	if hasStdoutOutput {
		logger = logger.WithConsoleWriter(consoleWriter())
	}

	return logger.WithLevelFromString(config.Logging.Level)
}

func fileWriter(config *Config, logDir string) models.WriterConfiguration {
	maxSize := config.Logging.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	return models.WriterConfiguration{
		Type:             models.LogWriterTypeFile,
		FileName:         filepath.Join(logDir, LogFileName),
		TimeFormat:       "15:04:05",
		MaxSize:          int64(maxSize) * 1024 * 1024,
		MaxBackups:       config.Logging.MaxBackups,
		TextOutput:       true,
		DisableTimestamp: false,
	}
}
