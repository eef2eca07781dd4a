// Package config handles loading and validating the cell core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with CELLCORE_* environment variables
//   - Validation of required fields and cross references
//     (step ownership, result channels, detector supervision)
//   - Default value handling, including per-entry list defaults
//
// Security Considerations:
//   - Broker credentials, the API key and the InfluxDB token should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
