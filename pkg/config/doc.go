// Package config loads typed configuration structs from environment variables.
//
// Load combines github.com/joho/godotenv (a .env file in the working directory,
// plus any files passed with WithEnvFiles) with github.com/caarlos0/env/v11 tag
// parsing. Each call parses afresh: there is no process-wide cache, so every
// engine session owns the configuration it was built with.
//
//	var cfg entitlements.Config
//	if err := config.Load(&cfg, config.WithPrefix("ENTITLEMENTS_")); err != nil {
//	    return err
//	}
//
// Errors wrap ErrParsingConfig or ErrEnvFile and can be matched with errors.Is.
package config
