package logging

import (
	"github.com/icinga/icinga-go-library/strcase"
	"github.com/pkg/errors"
	"github.com/ssgreg/journald"
	"go.uber.org/zap/zapcore"
	"strings"
)

// journalPriorities maps zapcore.Level to journald.Priority.
var journalPriorities = map[zapcore.Level]journald.Priority{
	zapcore.DebugLevel:  journald.PriorityDebug,
	zapcore.InfoLevel:   journald.PriorityInfo,
	zapcore.WarnLevel:   journald.PriorityWarning,
	zapcore.ErrorLevel:  journald.PriorityErr,
	zapcore.FatalLevel:  journald.PriorityCrit,
	zapcore.PanicLevel:  journald.PriorityCrit,
	zapcore.DPanicLevel: journald.PriorityCrit,
}

// NewJournaldCore returns a zapcore.Core that sends log entries to systemd-journald.
// Structured context is sent as journal fields named IDENTIFIER_SCREAMING_SNAKE_KEY.
func NewJournaldCore(identifier string, enab zapcore.LevelEnabler) zapcore.Core {
	return &journaldCore{
		LevelEnabler: enab,
		identifier:   identifier,
		prefix:       strcase.ScreamingSnake(identifier) + "_",
	}
}

type journaldCore struct {
	zapcore.LevelEnabler
	fields     []zapcore.Field
	identifier string
	prefix     string
}

func (c *journaldCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}

	return ce
}

func (c *journaldCore) Sync() error {
	return nil
}

func (c *journaldCore) With(fields []zapcore.Field) zapcore.Core {
	cc := *c
	cc.fields = append(cc.fields[:len(cc.fields):len(cc.fields)], fields...)

	return &cc
}

func (c *journaldCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	pri, ok := journalPriorities[ent.Level]
	if !ok {
		return errors.Errorf("unknown log level %q", ent.Level)
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, set := range [][]zapcore.Field{fields, c.fields} {
		for _, field := range set {
			field.Key = c.prefix + strcase.ScreamingSnake(field.Key)
			field.AddTo(enc)
		}
	}
	enc.Fields["SYSLOG_IDENTIFIER"] = c.identifier

	message := ent.Message
	if ent.LoggerName != c.identifier {
		message = strings.TrimPrefix(ent.LoggerName, c.identifier+".") + ": " + message
	}

	return journald.Send(message, pri, enc.Fields)
}
