package whistlogger // import "github.com/whisthq/whist/backend/fleet/whistlogger"

import (
	"log"
	"os"
	"reflect"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// sentryFlushTimeout bounds how long Sync waits for queued events.
const sentryFlushTimeout = 5 * time.Second

// sentryCore reports error-level entries to Sentry as exceptions. Fields
// attached with With are kept on the core and merged into every event.
type sentryCore struct {
	zapcore.LevelEnabler
	client *sentry.Client
	fields []zapcore.Field
}

// newSentryCore returns nil if SENTRY_DSN is missing or the client can't be
// created, in which case errors only reach the console.
func newSentryCore(levelEnab zapcore.LevelEnabler) zapcore.Core {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		log.Print("SENTRY_DSN is empty, not setting up Sentry.")
		return nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Release:     metadata.GetGitCommit(),
		Environment: metadata.GetAppEnvironmentLowercase(),
		ServerName:  "scaling-service",
	})
	if err != nil {
		log.Printf("Error starting Sentry client: %s", err)
		return nil
	}
	log.Printf("Set Sentry release to git commit hash: %s", metadata.GetGitCommit())

	return &sentryCore{LevelEnabler: levelEnab, client: client}
}

func (sc *sentryCore) With(fields []zapcore.Field) zapcore.Core {
	merged := make([]zapcore.Field, 0, len(sc.fields)+len(fields))
	merged = append(merged, sc.fields...)
	merged = append(merged, fields...)
	return &sentryCore{LevelEnabler: sc.LevelEnabler, client: sc.client, fields: merged}
}

func (sc *sentryCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if sc.Enabled(ent.Level) {
		return ce.AddCore(ent, sc)
	}
	return ce
}

// Write assembles the Sentry event by hand, so the exception carries the
// stack of the logging call and the fleet identifiers become tags.
func (sc *sentryCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	err := utils.MakeError(ent.Message)

	event := sentry.NewEvent()
	event.Level = sentryLevel(ent.Level)
	event.Message = ent.Message
	event.Timestamp = ent.Time
	event.Exception = append(event.Exception, sentry.Exception{
		Value:      ent.Message,
		Type:       reflect.TypeOf(err).String(),
		Stacktrace: sentry.ExtractStacktrace(err),
	})
	if ent.Caller.Defined {
		event.Extra["caller"] = ent.Caller.TrimmedPath()
	}

	all := append(append([]zapcore.Field{}, sc.fields...), fields...)
	tags, extra := splitFields(all)
	for k, v := range tags {
		event.Tags[k] = v
	}
	for k, v := range extra {
		event.Extra[k] = v
	}

	sc.client.CaptureEvent(event, &sentry.EventHint{OriginalException: err}, sentry.CurrentHub().Scope())
	if ent.Level > zapcore.ErrorLevel {
		// We may be about to crash, don't lose the event.
		return sc.Sync()
	}
	return nil
}

func (sc *sentryCore) Sync() error {
	if !sc.client.Flush(sentryFlushTimeout) {
		return utils.MakeError("failed to flush Sentry, some events may not have been sent.")
	}
	return nil
}

func sentryLevel(level zapcore.Level) sentry.Level {
	switch {
	case level >= zapcore.PanicLevel:
		return sentry.LevelFatal
	case level == zapcore.ErrorLevel || level == zapcore.DPanicLevel:
		return sentry.LevelError
	case level == zapcore.WarnLevel:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
