/*
Package main implements dohsink - a DNS sinkhole served over DNS-over-HTTPS (RFC 8484).

dohsink has two parts:

  - The responder decodes wire format queries, matches the question name against a
    compiled deny-list and either synthesizes a block answer or relays the query
    unchanged to a trusted upstream DoH resolver.
  - The updater fetches block-list sources, compiles them into the deny-list,
    packages a new artifact and swaps the responder's deployment only when the
    artifact identity changed.

Both run as AWS Lambda functions or as long running processes; the updater also
publishes to Kubernetes Deployments or a local directory.

Configuration:

dohsink reads embedded defaults, then an optional TOML or YAML file, then DOHSINK_*
environment variables. A missing config file is generated from the defaults.

Usage:

	dohsink [command]

Available Commands:

	serve       Run the responder as a long running DoH server
	lambda      Run inside AWS Lambda as the configured role
	reconcile   Compile the deny-list once and publish it when it changed
	schedule    Reconcile now and on every update interval
	compile     Compile the deny-list sources without publishing
	version     Print version information

Flags:

	-c, --config string   Location of config file (default $DOHSINK_CONFIG)
	-h, --help            Help for dohsink

Example:

	# Serve DoH on :8053 with a local deny-list
	dohsink serve -c /etc/dohsink/dohsink.toml

	# Publish a fresh deny-list to the responder function once
	RESPONDER_FUNCTION_NAME=dohsink-responder DOHSINK_TARGET=lambda dohsink reconcile

Started without arguments inside AWS Lambda, the binary runs the role set by
the role setting.
*/
package main // import "github.com/semihalev/dohsink"
