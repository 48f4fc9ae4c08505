package config

import (
	"flag"
	"os"
	"time"

	"github.com/newsplatform/tokencore/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-i int      duplicate sweep interval, minutes
//	-p int      expired purge interval, minutes
//	-w int      retention window for expired records, hours
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - Duration flags are accepted as integers and then converted to
//     time.Duration values.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-s", "-t", "-r", "-i", "-p", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")
	refreshTokenValidityDuration := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh_token_validity_duration (in minutes)")
	sweepInterval := fs.Int("i", int(config.SweepInterval.Minutes()), "sweep_interval (in minutes)")
	purgeInterval := fs.Int("p", int(config.PurgeInterval.Minutes()), "purge_interval (in minutes)")
	retentionWindow := fs.Int("w", int(config.RetentionWindow.Hours()), "retention_window (in hours)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidityDuration) * time.Minute
	config.SweepInterval = time.Duration(*sweepInterval) * time.Minute
	config.PurgeInterval = time.Duration(*purgeInterval) * time.Minute
	config.RetentionWindow = time.Duration(*retentionWindow) * time.Hour
}
