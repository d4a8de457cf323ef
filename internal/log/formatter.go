package log

import (
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// frames of logrus and of this package's adapters are skipped when
// resolving %caller
var logPackage = reflect.TypeOf(formatter{}).PkgPath()

const logrusPackage = "github.com/sirupsen/logrus"

type formatter struct {
	pattern string
	time    string
}

// Format supports unified log output format that has %time, %level, %field, %msg, %caller.
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", entry.Level.String(), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if strings.Contains(output, "%caller") {
		output = strings.Replace(output, "%caller", getCaller(), 1)
	}
	output = strings.Replace(output, "%n", "\n", 1)
	return []byte(output), nil
}

// getCaller returns package/file:line of the first frame outside logrus and
// the logging adapters.
func getCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if !isLoggingFrame(fr) {
			return shortCaller(fr)
		}
		if !more {
			return "unknown"
		}
	}
}

func isLoggingFrame(fr runtime.Frame) bool {
	if strings.HasPrefix(fr.Function, logrusPackage) {
		return true
	}
	return strings.HasPrefix(fr.Function, logPackage+".") && !strings.HasSuffix(fr.File, "_test.go")
}

func shortCaller(fr runtime.Frame) string {
	file := fr.File
	if i := strings.LastIndex(file, "/"); i >= 0 {
		file = file[i+1:]
	}
	// import paths may contain dots, the package ends at the first dot
	// after the last slash
	fn := fr.Function
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	pkg, _, _ := strings.Cut(fn, ".")
	return fmt.Sprintf("%s/%s:%d", pkg, file, fr.Line)
}

// fields are emitted in key order so that log lines are stable
func buildFields(entry *logrus.Entry) string {
	keys := make([]string, 0, len(entry.Data))
	for key := range entry.Data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, key := range keys {
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		fields = append(fields, key+"="+stringVal)
	}
	return strings.Join(fields, ",")
}
