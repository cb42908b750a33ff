// Package autoload configures the global logger from the LOG_* environment
// on import.
package autoload

import (
	configx "github.com/opentender-lab/tenderdesk/pkg/config"
	logx "github.com/opentender-lab/tenderdesk/pkg/logger"
)

func init() {
	logx.Init(*configx.MustNew[logx.Config]("LOG"))
}
