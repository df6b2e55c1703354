package rackfwupdate

type logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

type nullLogger struct{}

func (l *nullLogger) Debugf(format string, args ...interface{}) {}
func (l *nullLogger) Infof(format string, args ...interface{})  {}
func (l *nullLogger) Warnf(format string, args ...interface{})  {}
func (l *nullLogger) Errorf(format string, args ...interface{}) {}

// The package logger
var pkgLog logger = &nullLogger{}

// SetLogger sets the logger used internally by the package.
// A *logrus.Logger satisfies the interface.
func SetLogger(l logger) {
	if l == nil {
		l = &nullLogger{}
	}
	pkgLog = l
}

// Verbosity controls how chatty the retry and polling helpers are.
// It never changes behaviour.
type Verbosity int

// Verbosity levels.
const (
	Quiet Verbosity = iota
	Normal
	Verbose
)

// logf logs at info level for Normal and above, otherwise at debug.
func (v Verbosity) logf(format string, args ...interface{}) {
	if v >= Normal {
		pkgLog.Infof(format, args...)
		return
	}
	pkgLog.Debugf(format, args...)
}
