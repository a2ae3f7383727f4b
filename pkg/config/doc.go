// Package config loads meshsec node configuration from YAML.
//
// A file only needs the values it changes; everything else keeps the
// defaults from Default. Durations use Go syntax ("30s", "24h").
//
//	node:
//	  identity_alias: node-identity
//	  difficulty: 16
//	security:
//	  cipher: chacha20-poly1305
//	  compression_enabled: true
//	link:
//	  listen: ":4433"
//	  peers: ["10.0.0.7:4433"]
//	  reconnect_max: 30s
//
// The To* helpers translate a validated Config into the option structs of
// the secure, queue, service and transport packages.
package config
