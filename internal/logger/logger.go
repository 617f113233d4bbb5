package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a console logger at the given level ("debug", "info", ...).
// An unknown level falls back to info.
func New(level string) *logrus.Logger {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	l.SetOutput(os.Stdout)
	return l
}
