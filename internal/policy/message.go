package policy

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

// MessageTypeErrorReport 是客户端上报错误的消息类型。
const MessageTypeErrorReport = "ERROR_REPORT"

// Message 是客户端发往分发器的消息。
type Message struct {
	Type   string         `json:"type"`
	Error  string         `json:"error,omitempty"`
	Source string         `json:"source,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// OnMessage 记录 ERROR_REPORT，其余类型仅以 debug 级别记录后忽略。
func (d *Dispatcher) OnMessage(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Type) == "" {
		return ErrInvalidMessage
	}
	fields := d.fields().WithField("message_type", msg.Type)
	if msg.Type != MessageTypeErrorReport {
		fields.Debug("client_message_ignored")
		return nil
	}
	reportFields := logrus.Fields{
		"reported_error": msg.Error,
		"source":         msg.Source,
	}
	if len(msg.Data) > 0 {
		reportFields["data"] = msg.Data
	}
	fields.WithFields(reportFields).Error("client_error_report")
	d.metrics.errorReports.WithLabelValues(d.cfg.Site).Inc()
	return nil
}
