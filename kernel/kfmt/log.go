package kfmt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// moduleField is the logrus field carrying the name of the logging module.
const moduleField = "module"

var logger = &logrus.Logger{
	Out:       sinkWriter{},
	Formatter: &consoleFormatter{},
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.InfoLevel,
}

// Log returns a log entry tagged with the supplied module name. Entries are
// rendered as "[module] message key=value ..." on the console.
func Log(module string) *logrus.Entry {
	return logger.WithField(moduleField, module)
}

// Logger returns the kernel logger.
func Logger() *logrus.Logger {
	return logger
}

// SetLogLevel adjusts the verbosity of the kernel logger.
func SetLogLevel(level logrus.Level) {
	logger.SetLevel(level)
}

// consoleFormatter renders entries in the terse style used on the serial
// console. The level is only spelled out for non-info entries.
type consoleFormatter struct{}

func (f *consoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b := e.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}

	if module, ok := e.Data[moduleField].(string); ok && module != "" {
		fmt.Fprintf(b, "[%s] ", module)
	}

	if e.Level != logrus.InfoLevel {
		b.WriteString(strings.ToUpper(e.Level.String()))
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k != moduleField {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := e.Data[k].(type) {
		case error:
			fmt.Fprintf(b, " %s=%q", k, v.Error())
		case string:
			if strings.ContainsAny(v, " \t\"") {
				fmt.Fprintf(b, " %s=%q", k, v)
			} else {
				fmt.Fprintf(b, " %s=%s", k, v)
			}
		default:
			fmt.Fprintf(b, " %s=%v", k, v)
		}
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}
