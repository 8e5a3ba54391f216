package detector

import (
	"fmt"

	"github.com/cyclopcam/logs"
)

// reporter writes to the store log, and also to the caller's OnLog callback, if any
type reporter struct {
	log   logs.Log
	onLog func(line string)
}

func (r reporter) infof(format string, args ...any) {
	r.log.Infof(format, args...)
	r.forward("", format, args...)
}

func (r reporter) warnf(format string, args ...any) {
	r.log.Warnf(format, args...)
	r.forward("Warning: ", format, args...)
}

func (r reporter) forward(prefix, format string, args ...any) {
	if r.onLog != nil {
		r.onLog(prefix + fmt.Sprintf(format, args...))
	}
}

// line receives raw framework output
func (r reporter) line(s string) {
	if r.onLog != nil {
		r.onLog(s)
	} else {
		r.log.Infof("framework: %v", s)
	}
}
