package common

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application banner and the resolved capture settings
func PrintBanner(config *Config, logger arbor.ILogger) {
	banner.PrintSimple("WhatsMyToken", Version)

	logger.Info().
		Str("api", config.ServerURL()).
		Str("build", CurrentBuild().String()).
		Str("log_dir", config.LogDir()).
		Str("append_policy", string(config.AppendPolicy())).
		Bool("browser", config.Browser.Enabled).
		Bool("network_capture", config.Capture.Network).
		Bool("page_capture", config.Capture.PageContext).
		Msg("Capture daemon configuration")
}
