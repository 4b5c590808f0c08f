// Package builtin provides utility services that let definitions run without
// any business service wired in.
package builtin

import (
	"context"
	"fmt"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	EchoService = "echo"
	LogService  = "log"
)

// Register adds the echo and log services to reg.
func Register(reg *registry.MapRegistry, logger logrus.FieldLogger) error {
	if err := reg.Register(EchoService, Echo()); err != nil {
		return err
	}
	return reg.Register(LogService, Log(logger))
}

// Echo returns its params unchanged from "echo"; "fail" returns an error
// carrying params.message.
func Echo() registry.Methods {
	return registry.Methods{
		"echo": func(ctx context.Context, params map[string]any) (any, error) {
			if params == nil {
				return map[string]any{}, nil
			}
			return params, nil
		},
		"fail": func(ctx context.Context, params map[string]any) (any, error) {
			msg, _ := params["message"].(string)
			if msg == "" {
				msg = "echo.fail called"
			}
			return nil, errors.New(msg)
		},
	}
}

// Log writes params.message at the method's level, with the other params as
// fields, and returns the message.
func Log(logger logrus.FieldLogger) registry.Methods {
	write := func(level logrus.Level) registry.MethodFunc {
		return func(ctx context.Context, params map[string]any) (any, error) {
			msg := fmt.Sprint(params["message"])
			if _, ok := params["message"]; !ok {
				msg = ""
			}
			fields := logrus.Fields{}
			for k, v := range params {
				if k != "message" {
					fields[k] = v
				}
			}
			entry := logger.WithFields(fields)
			switch level {
			case logrus.DebugLevel:
				entry.Debug(msg)
			case logrus.WarnLevel:
				entry.Warn(msg)
			case logrus.ErrorLevel:
				entry.Error(msg)
			default:
				entry.Info(msg)
			}
			return msg, nil
		}
	}
	return registry.Methods{
		"debug": write(logrus.DebugLevel),
		"info":  write(logrus.InfoLevel),
		"warn":  write(logrus.WarnLevel),
		"error": write(logrus.ErrorLevel),
	}
}
