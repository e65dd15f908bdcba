// Package config provides application configuration management.
//
// The config package loads the server, sandbox, database, logging and
// metrics settings from a YAML file with viper, applies CODEMODE_
// environment overrides and validates the result.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Sandbox mode: %s\n", cfg.Sandbox.Mode)
package config
