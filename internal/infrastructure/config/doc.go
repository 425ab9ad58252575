// Package config handles loading and validating the runnable bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with RUNNABLE_* environment variables
//   - Validation of required fields, reporting every problem at once
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/runnablebridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Runnable.Run, cfg.Runnable.Interval())
package config
