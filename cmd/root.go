package cmd

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tanq16/snapgrab/internal/utils"
)

var (
	cfgFile        string
	outputDir      string
	workers        int
	retries        int
	httpTimeout    time.Duration
	convertTimeout time.Duration
	userAgent      string
	proxyURL       string
	proxyUsername  string
	proxyPassword  string
	debug          bool
	fileLog        bool

	settings utils.Settings
	logFile  *os.File
)

var SnapgrabVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "snapgrab",
	Short:   "Snapgrab archives a Snapchat memories export as clean local media",
	Version: SnapgrabVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		utils.InitLogger(debug)
		s, err := utils.LoadSettings(cfgFile)
		if err != nil {
			return err
		}
		// flags win over the settings file and environment
		flags := cmd.Root().PersistentFlags()
		if !flags.Changed("output") {
			outputDir = s.OutputDir
		}
		if !flags.Changed("workers") {
			workers = s.Workers
		}
		if !flags.Changed("retries") {
			retries = s.Retries
		}
		if !flags.Changed("timeout") {
			httpTimeout = s.HTTPTimeout
		}
		if !flags.Changed("convert-timeout") {
			convertTimeout = s.ConvertTimeout
		}
		if !flags.Changed("user-agent") {
			userAgent = s.UserAgent
		}
		if userAgent == "randomize" {
			userAgent = utils.GetRandomUserAgent()
		}
		s.OutputDir = outputDir
		s.Workers = workers
		s.Retries = retries
		s.HTTPTimeout = httpTimeout
		s.ConvertTimeout = convertTimeout
		s.UserAgent = userAgent
		settings = s

		if fileLog {
			f, err := utils.UseLogFile(".")
			if err != nil {
				return err
			}
			logFile = f
		} else if !debug {
			// the live display owns the terminal, so only errors pass through
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to YAML settings file")
	flags.StringVarP(&outputDir, "output", "o", "downloads", "Output directory for memories")
	flags.IntVarP(&workers, "workers", "w", 1, "Number of memories to process in parallel")
	flags.IntVarP(&retries, "retries", "r", utils.DefaultRetries, "Download attempts per memory")
	flags.DurationVarP(&httpTimeout, "timeout", "t", 60*time.Second, "HTTP client timeout (eg. 30s, 2m)")
	flags.DurationVar(&convertTimeout, "convert-timeout", 5*time.Minute, "Timeout per conversion attempt")
	flags.StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser UA)")
	flags.StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&fileLog, "log", false, "Log to snapgrab.log instead of the live display")

	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newMergeCmd())
	rootCmd.AddCommand(newConvertCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newCleanCmd())
}

func httpConfig() utils.HTTPClientConfig {
	// Pull auth embedded in the proxy URL unless given explicitly
	if parsed, err := url.Parse(proxyURL); err == nil && parsed.User != nil && proxyUsername == "" {
		proxyUsername = parsed.User.Username()
		if password, set := parsed.User.Password(); set {
			proxyPassword = password
		}
		parsed.User = nil
		proxyURL = parsed.String()
	}
	return utils.HTTPClientConfig{
		Timeout:       httpTimeout,
		KATimeout:     90 * time.Second,
		ProxyURL:      proxyURL,
		ProxyUsername: proxyUsername,
		ProxyPassword: proxyPassword,
		UserAgent:     userAgent,
	}
}
