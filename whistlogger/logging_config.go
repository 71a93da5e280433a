package whistlogger // import "github.com/whisthq/whist/backend/fleet/whistlogger"

import (
	"os"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/whisthq/whist/backend/fleet/metadata"
)

// usingProdLogging implements the logic for us to decide whether to use
// production-logging (i.e. with Sentry and logz.io configured).
var usingProdLogging func() bool = func(unmemoized func() bool) func() bool {
	// This nested function syntax is used to memoize the result of the first
	// call and cache the result for all future calls.

	isCached := false
	var cache bool

	return func() bool {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() bool {
	// Honor `USE_PROD_LOGGING` variable if it is set to a valid value. Else,
	// check that the app environment is dev, staging, or prod.
	strProd := strings.ToLower(os.Getenv("USE_PROD_LOGGING"))
	switch strProd {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return !metadata.IsLocalEnv() && !metadata.IsRunningInCI()
	}
})

// newShippingEncoderConfig is the JSON layout of the entries sent to Sentry
// and logz.io. Both index on "message" and "type".
func newShippingEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "@timestamp",
		LevelKey:       "type",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// fleetTagKeys are the context fields that identify a fleet object. They are
// indexed as Sentry tags so incidents can be grouped by region or host.
var fleetTagKeys = []string{"region", "host_name", "image_id", "commit_hash", "mandelbox_id", "user_id"}

// splitFields encodes the structured context of an entry and separates the
// fleet identifiers (as strings) from the rest.
func splitFields(fields []zapcore.Field) (tags map[string]string, extra map[string]interface{}) {
	enc := zapcore.NewMapObjectEncoder()
	for i := range fields {
		fields[i].AddTo(enc)
	}

	tags = make(map[string]string)
	extra = make(map[string]interface{})
	for k, v := range enc.Fields {
		if s, ok := v.(string); ok && isFleetTag(k) {
			tags[k] = s
			continue
		}
		extra[k] = v
	}
	return tags, extra
}

func isFleetTag(key string) bool {
	for _, k := range fleetTagKeys {
		if k == key {
			return true
		}
	}
	return false
}
