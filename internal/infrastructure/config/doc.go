// Package config loads and validates fieldlink configuration.
//
// Configuration comes from a YAML file, overlaid with FIELDLINK_*
// environment variables. Secrets (database DSN, MQTT password, InfluxDB
// token) should be supplied through the environment and the file kept at
// 0600.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Proxy.ViewerPortBase)
package config
