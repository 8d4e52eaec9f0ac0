package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	urlFlag          = "url"
	wsURLFlag        = "ws-url"
	headerFlag       = "header"
	cachePolicyFlag  = "cache-policy"
	timeoutFlag      = "timeout"
	retryMaxFlag     = "retry-max"
	redisAddrFlag    = "redis-addr"
	logFormatFlag    = "log-format"
	logLevelFlag     = "log-level"
	otelEndpointFlag = "otel-endpoint"
	otelServiceFlag  = "otel-service"
	configFlag       = "config"

	variablesFlag = "variables"
	pathFlag      = "path"
	countFlag     = "count"
)

// newConfig reads settings from flags, VILLUS_* environment variables and a
// villus.yaml config file, in that order.
func newConfig() *viper.Viper {
	v := viper.New()
	v.SetConfigName("villus")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VILLUS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, path := range []string{"$HOME/.villus", "."} {
		v.AddConfigPath(path)
	}
	return v
}

func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func bindGlobalFlags(v *viper.Viper, command *cobra.Command) {
	flags := command.PersistentFlags()

	flags.String(configFlag, "", "path of a config file (default: villus.yaml in $HOME/.villus or the working directory)")

	flags.String(urlFlag, "", "the GraphQL HTTP endpoint")
	mustBindPFlag(v, urlFlag, flags.Lookup(urlFlag))

	flags.String(wsURLFlag, "", "the graphql-transport-ws endpoint used for subscriptions")
	mustBindPFlag(v, wsURLFlag, flags.Lookup(wsURLFlag))

	flags.StringArray(headerFlag, nil, "a request header as 'Name: value'; repeatable")
	mustBindPFlag(v, headerFlag, flags.Lookup(headerFlag))

	flags.String(cachePolicyFlag, "cache-first", "the default cache policy")
	mustBindPFlag(v, cachePolicyFlag, flags.Lookup(cachePolicyFlag))

	flags.Duration(timeoutFlag, 0, "the HTTP client timeout (0 means none)")
	mustBindPFlag(v, timeoutFlag, flags.Lookup(timeoutFlag))

	flags.Int(retryMaxFlag, 2, "how often a failing query is retried")
	mustBindPFlag(v, retryMaxFlag, flags.Lookup(retryMaxFlag))

	flags.String(redisAddrFlag, "", "cache results in redis at host:port instead of in memory")
	mustBindPFlag(v, redisAddrFlag, flags.Lookup(redisAddrFlag))

	flags.String(logFormatFlag, "text", "the log format, json or text")
	mustBindPFlag(v, logFormatFlag, flags.Lookup(logFormatFlag))

	flags.String(logLevelFlag, "none", "the log level: none, debug, info, warn or error")
	mustBindPFlag(v, logLevelFlag, flags.Lookup(logLevelFlag))

	flags.String(otelEndpointFlag, "", "the OTLP collector endpoint; tracing is off when empty")
	mustBindPFlag(v, otelEndpointFlag, flags.Lookup(otelEndpointFlag))

	flags.String(otelServiceFlag, "villus", "the OpenTelemetry service name")
	mustBindPFlag(v, otelServiceFlag, flags.Lookup(otelServiceFlag))
}

func bindOperationFlags(command *cobra.Command) {
	flags := command.Flags()
	flags.String(variablesFlag, "", "the operation variables as a JSON object")
	flags.String(pathFlag, "", "print only the value at this gjson path of the response")
}
