package hedge

import (
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/build"
)

// log is a logger that is initialized with no output filters.  This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger("HEDGE", nil))
}

// DisableLog disables all library log output.  Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.  This
// should be used in preference to SetLogWriter if the caller is also using
// btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// ContractLog logs with a contract id prefix.
type ContractLog struct {
	// Logger is the underlying based logger.
	Logger btclog.Logger

	// ContractID identifies the target contract.
	ContractID int64
}

// Infof formats message according to format specifier and writes to
// log with LevelInfo.
func (c *ContractLog) Infof(format string, params ...interface{}) {
	c.Logger.Infof(
		fmt.Sprintf("contract %d %s", c.ContractID, format),
		params...,
	)
}

// Warnf formats message according to format specifier and writes to
// log with LevelWarn.
func (c *ContractLog) Warnf(format string, params ...interface{}) {
	c.Logger.Warnf(
		fmt.Sprintf("contract %d %s", c.ContractID, format),
		params...,
	)
}

// Errorf formats message according to format specifier and writes to
// log with LevelError.
func (c *ContractLog) Errorf(format string, params ...interface{}) {
	c.Logger.Errorf(
		fmt.Sprintf("contract %d %s", c.ContractID, format),
		params...,
	)
}
