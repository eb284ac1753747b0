package common

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// Memory-related constants
	_  = iota
	KB = 1 << (10 * iota)
	MB
	GB
)

const (
	ClientRuntime = "RESPGO_RUNTIME"
	LogLevelEnv   = "RESPGO_LOG_LEVEL"
)

var (
	zapOnce   sync.Once
	zapLogger *zap.Logger
)

// RawZapLogger returns the process logger. Development console output by
// default, JSON at info level when RESPGO_RUNTIME=prod. RESPGO_LOG_LEVEL
// overrides the level in both.
func RawZapLogger() *zap.Logger {
	zapOnce.Do(func() {
		zapLogger = buildZapLogger()
	})
	return zapLogger
}

func buildZapLogger() *zap.Logger {
	logConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		DisableCaller:     false,
		DisableStacktrace: false,
		Encoding:          "console",
		OutputPaths: []string{
			"stderr",
		},
		ErrorOutputPaths: []string{
			"stderr",
		},
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	if IsProdRuntime() {
		logConfig.Development = false
		logConfig.DisableStacktrace = true
		logConfig.Encoding = "json"
		logConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		encoderCfg = zap.NewProductionEncoderConfig()
	}
	if lvl, ok := os.LookupEnv(LogLevelEnv); ok {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			panic(fmt.Sprintf("invalid %s %q: %v", LogLevelEnv, lvl, err))
		}
		logConfig.Level = zap.NewAtomicLevelAt(level)
	}
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	logConfig.EncoderConfig = encoderCfg
	built, initLogErr := logConfig.Build()
	if initLogErr != nil {
		panic(fmt.Sprintf("Failed to initialize zap logger %v", initLogErr))
	}
	return built
}

func InitLogger() logr.Logger {
	return zapr.NewLogger(RawZapLogger())
}

func IsProdRuntime() bool {
	runEvnVal, hasEnv := os.LookupEnv(ClientRuntime)
	if hasEnv {
		return strings.Compare(strings.ToLower(runEvnVal), "prod") == 0
	} else {
		return false
	}
}

// SleepRandom sleeps for a random duration between [down, up] milliseconds.
func SleepRandom(up, down int) {
	if up > down {
		//nolint:gosec
		sleepTime := down + (up-down)*rand.Intn(1000)/1000
		time.Sleep(time.Duration(sleepTime) * time.Millisecond)
	}
}

// IsTimeout reports whether err is an I/O deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConnUnavailable reports whether err means the peer is gone or unreachable.
func IsConnUnavailable(err error) bool {
	if err == nil {
		return false
	}
	// Check for common connection closed errors
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return false
		}
		if netErr.Err != nil {
			errMsg := netErr.Err.Error()
			if strings.Contains(errMsg, "use of closed network connection") ||
				strings.Contains(errMsg, "connection reset by peer") ||
				strings.Contains(errMsg, "broken pipe") ||
				strings.Contains(errMsg, "connection refused") {
				return true
			}
		}
		return netErr.Op == "read" || netErr.Op == "write" || netErr.Op == "dial"
	}
	var syscallErr *os.SyscallError
	if errors.As(err, &syscallErr) {
		return errors.Is(syscallErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(syscallErr.Err, syscall.ECONNRESET) ||
			errors.Is(syscallErr.Err, syscall.EPIPE)
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
