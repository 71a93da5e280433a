package whistlogger // import "github.com/whisthq/whist/backend/fleet/whistlogger"

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/logzio/logzio-go"
	"go.uber.org/zap/zapcore"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/utils"
)

const (
	logzioListenerURL = "https://listener.logz.io:8071"
	logzioDrain       = 3 * time.Second
)

// logzioSender is the part of the logz.io client the core uses.
type logzioSender interface {
	Send([]byte) error
	Sync() error
}

// logzioCore ships every entry to logz.io as one JSON line. The sender
// keeps an on-disk queue that it drains in the background, and it is not
// safe for concurrent use, so cores derived with With share its lock.
type logzioCore struct {
	zapcore.LevelEnabler
	encoder zapcore.Encoder
	sender  logzioSender
	mu      *sync.Mutex
}

// newLogzioCore returns nil if LOGZIO_SHIPPING_TOKEN is missing or the
// sender can't be created.
func newLogzioCore(levelEnab zapcore.LevelEnabler) zapcore.Core {
	token := os.Getenv("LOGZIO_SHIPPING_TOKEN")
	if token == "" {
		log.Print("LOGZIO_SHIPPING_TOKEN is empty, not setting up logz.io.")
		return nil
	}

	sender, err := logzio.New(
		token,
		logzio.SetUrl(logzioListenerURL),
		logzio.SetDrainDuration(logzioDrain),
		logzio.SetCheckDiskSpace(false),
	)
	if err != nil {
		log.Printf("Error initializing logz.io integration: %s", err)
		return nil
	}

	return newLogzioCoreWithSender(sender, levelEnab)
}

// newLogzioCoreWithSender tags every entry with the service and deployment
// it comes from, so fleet logs can be told apart from the host agents' ones.
func newLogzioCoreWithSender(sender logzioSender, levelEnab zapcore.LevelEnabler) *logzioCore {
	encoder := zapcore.NewJSONEncoder(newShippingEncoderConfig())
	encoder.AddString("component", "backend")
	encoder.AddString("sub_component", "scaling-service")
	encoder.AddString("environment", metadata.GetAppEnvironmentLowercase())
	encoder.AddString("commit", metadata.GetGitCommit())

	return &logzioCore{
		LevelEnabler: levelEnab,
		encoder:      encoder,
		sender:       sender,
		mu:           &sync.Mutex{},
	}
}

func (lc *logzioCore) With(fields []zapcore.Field) zapcore.Core {
	enc := lc.encoder.Clone()
	for i := range fields {
		fields[i].AddTo(enc)
	}
	return &logzioCore{LevelEnabler: lc.LevelEnabler, encoder: enc, sender: lc.sender, mu: lc.mu}
}

func (lc *logzioCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if lc.Enabled(ent.Level) {
		return ce.AddCore(ent, lc)
	}
	return ce
}

func (lc *logzioCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := lc.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if err := lc.sender.Send(buf.Bytes()); err != nil {
		return utils.MakeError("couldn't send payload to logz.io: %s", err)
	}
	if ent.Level > zapcore.ErrorLevel {
		// Since we may be crashing the program, sync the output.
		return lc.sender.Sync()
	}
	return nil
}

func (lc *logzioCore) Sync() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.sender.Sync()
}
