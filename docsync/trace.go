package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HandleError runs `do` and passes a recovered panic to `handlers` as an error.
// A canceled context raised as a panic is not logged.
func HandleError(do func(), handlers ...func(error)) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		if !errors.Is(err, context.Canceled) {
			glog.Errorf("[e]recovered %s\n", panicJson(r, debug.Stack()))
		}
		for _, handler := range handlers {
			handler(err)
		}
	}()
	do()
}

// the panic and stack as a single json line
func panicJson(r any, stack []byte) string {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	b, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%T=%v", r, r),
		"stack": stackLines,
	})
	return string(b)
}

// Trace logs the start and end of `do` with its duration. Callers guard it with `glog.V(2)`.
func Trace(tag string, do func()) {
	trace(tag, func() string {
		do()
		return ""
	})
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	trace(tag, func() string {
		result, returnErr = do()
		if returnErr != nil {
			return fmt.Sprintf(" err = %s", returnErr)
		}
		return ""
	})
	return
}

func trace(tag string, do func() string) {
	start := time.Now()
	glog.Infof("[t]%s start\n", tag)
	suffix := do()
	elapsed := time.Since(start)
	glog.Infof("[t]%s end %.2fms%s\n", tag, float64(elapsed)/float64(time.Millisecond), suffix)
}

// CallbackName names a listener in logs.
func CallbackName(f any) string {
	return runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()
}
