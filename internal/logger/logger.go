// Package logger wraps zap with the key/value redaction the rest of the
// codebase expects from a structured logging call.
package logger

import (
	"strings"

	"go.uber.org/zap"
)

type Logger struct {
	SugaredLogger *zap.SugaredLogger
}

func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stdout"}
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	zapLogger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{SugaredLogger: zapLogger.Sugar()}, nil
}

// NewNop returns a logger that discards everything; useful for tests that
// don't want to assert on log output.
func NewNop() *Logger {
	return &Logger{SugaredLogger: zap.NewNop().Sugar()}
}

func (l *Logger) Sync() {
	if l == nil || l.SugaredLogger == nil {
		return
	}
	_ = l.SugaredLogger.Sync()
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(zapDebug, msg, kv) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(zapInfo, msg, kv) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(zapWarn, msg, kv) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(zapError, msg, kv) }
func (l *Logger) Fatal(msg string, kv ...interface{}) { l.log(zapFatal, msg, kv) }

func (l *Logger) With(kv ...interface{}) *Logger {
	if l == nil || l.SugaredLogger == nil {
		return l
	}
	return &Logger{SugaredLogger: l.SugaredLogger.With(sanitizeKVs(kv)...)}
}

type level int

const (
	zapDebug level = iota
	zapInfo
	zapWarn
	zapError
	zapFatal
)

func (l *Logger) log(lvl level, msg string, kv []interface{}) {
	if l == nil || l.SugaredLogger == nil {
		return
	}
	sanitized := sanitizeKVs(kv)
	switch lvl {
	case zapDebug:
		l.SugaredLogger.Debugw(msg, sanitized...)
	case zapInfo:
		l.SugaredLogger.Infow(msg, sanitized...)
	case zapWarn:
		l.SugaredLogger.Warnw(msg, sanitized...)
	case zapError:
		l.SugaredLogger.Errorw(msg, sanitized...)
	case zapFatal:
		l.SugaredLogger.Fatalw(msg, sanitized...)
	}
}

var redactKeys = map[string]bool{
	"password": true, "secret": true, "token": true, "authorization": true,
	"api_key": true, "apikey": true, "pr_url": true,
}

// sanitizeKVs masks values for keys commonly carrying secrets. Unlike the
// broader redaction in some deployments (hashing, structural recursion),
// this is kept to a flat key denylist: job metadata here is JSON scalars,
// not nested auth payloads.
func sanitizeKVs(kv []interface{}) []interface{} {
	if len(kv) == 0 {
		return kv
	}
	out := make([]interface{}, 0, len(kv))
	for i := 0; i < len(kv); i += 2 {
		if i == len(kv)-1 {
			out = append(out, kv[i])
			break
		}
		key := strings.ToLower(strings.TrimSpace(toString(kv[i])))
		if redactKeys[key] {
			out = append(out, kv[i], "[REDACTED]")
			continue
		}
		out = append(out, kv[i], kv[i+1])
	}
	return out
}

func toString(v interface{}) string {
	s, ok := v.(string)
	if ok {
		return s
	}
	return ""
}
