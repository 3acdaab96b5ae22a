//go:build !unix

package main

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

func dumpRegisters(_ io.Writer, _ string, _ *logrus.Logger) error {
	return errors.New("register access is not supported on this platform")
}
