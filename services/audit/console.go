package auditsvc

import (
	"fmt"

	"github.com/trezcool/shule/core"
)

type consoleSink struct {
	logger core.Logger
}

var _ core.AuditSink = (*consoleSink)(nil)

// NewConsoleSink returns an AuditSink that writes events to the app logger.
func NewConsoleSink(logger core.Logger) core.AuditSink {
	return &consoleSink{logger: logger}
}

func (s *consoleSink) Append(events ...core.AuditEvent) {
	for _, evt := range events {
		s.logger.Info(fmt.Sprintf(
			"audit: %s actor=%s school=%s detail=%q at=%s",
			evt.Action, evt.ActorEmail, evt.SchoolID, evt.Detail, evt.At.Format("2006-01-02T15:04:05Z"),
		))
	}
}
