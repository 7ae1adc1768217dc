package tiernet

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.StandardLogger()

// SetLogger replaces the logger used by the package
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}

// Logger returns the logger used by the package
func Logger() *logrus.Logger {
	return logger
}
