// Package config loads sandbox configuration from YAML, .env files and
// SANDBOX_* environment variables, in that order of precedence (later wins).
//
// Example file:
//
//	cache:
//	  root: /var/cache/wasm-sandbox
//	  public_dir: /srv/docs
//	engine:
//	  grace_period: 500ms
//	  memory_ceiling: 2GiB
//	default_profile: strict
//	profiles:
//	  strict:
//	    memory: 32MiB
//	    timeout: 2s
//	log:
//	  level: info
//	  format: json
//	metrics:
//	  textfile: /var/lib/node_exporter/sandbox.prom
package config
