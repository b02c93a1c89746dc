// Package zaplog adapts a zap logger to the ledger operation log callback.
package zaplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/magiccoin/pkg/ledger"
	"go.uber.org/zap"
)

// OperationLogger emits one structured log line per ledger operation.
type OperationLogger struct {
	logger *zap.Logger
}

// New returns an OperationLogger writing through the supplied zap logger.
func New(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("type", entry.Type.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance_after", entry.BalanceAfter.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Reference != nil {
		fields = append(fields,
			zap.String("reference_type", entry.Reference.Kind().String()),
			zap.String("reference_id", entry.Reference.ID()),
		)
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
